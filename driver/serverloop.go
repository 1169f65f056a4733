package driver

import (
	"context"

	"github.com/glenda-project/drivers/capability"
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/logtag"
	"github.com/glenda-project/drivers/protocol"
	"golang.org/x/sync/errgroup"
)

// Handler processes one dispatched client call. It receives the message
// (the slot allocator is reachable through ServerLoop.Slots), and returns
// the reply words plus any capability to hand back, or an error.
type Handler func(msg capability.Message) (reply capability.Message, err error)

// InterruptHandler services a hardware interrupt delivered as an IPC on the
// IRQ-badged endpoint. No reply is ever sent for this path.
type InterruptHandler func()

// ServerLoop is the generic capability-receiving dispatcher every driver
// core reuses, per spec §4.5: endpoint receive, badge demultiplex, dispatch
// by (protocol, label), interrupt acknowledgement, capability-slot
// management.
type ServerLoop struct {
	endpoint *capability.Endpoint
	slots    *capability.SlotAllocator
	irqCap   *capability.IrqCap

	onInterrupt InterruptHandler
	handlers    map[protocol.Key]Handler

	log *logtag.Logger
}

// NewServerLoop binds endpoint as the driver's receive endpoint and
// allocates a capability-slot allocator starting at slotBase, per spec §5's
// "per-driver capability-slot base must be disjoint from the
// device-manager's slots."
func NewServerLoop(name string, endpoint *capability.Endpoint, slotBase uint64) *ServerLoop {
	return &ServerLoop{
		endpoint: endpoint,
		slots:    capability.NewSlotAllocator(slotBase),
		handlers: make(map[protocol.Key]Handler),
		log:      logtag.New(name),
	}
}

// BindIRQ registers the interrupt capability and its handler. The endpoint
// delivers IRQ notifications distinguished solely by badge, per spec §5.
func (s *ServerLoop) BindIRQ(irq *capability.IrqCap, handler InterruptHandler) {
	s.irqCap = irq
	s.onInterrupt = handler
}

// Register adds a handler for the given (protocol, label) pair to the
// dispatch table.
func (s *ServerLoop) Register(key protocol.Key, h Handler) {
	s.handlers[key] = h
}

// Slots exposes the capability-slot allocator so handlers (setup_buffer,
// setup_ring) can move a received capability into a stable slot before
// acting on it, per spec §4.5's capability-reception rule.
func (s *ServerLoop) Slots() *capability.SlotAllocator {
	return s.slots
}

// dispatchOne examines one received message's badge and routes it,
// implementing spec §4.5's loop body for exactly one iteration.
func (s *ServerLoop) dispatchOne(msg capability.Message, reply *capability.Reply) {
	if msg.Badge&capability.IRQBadge != 0 {
		if s.onInterrupt != nil {
			s.onInterrupt()
		}
		if s.irqCap != nil {
			s.irqCap.Ack()
		}
		return
	}

	key := protocol.Key{Protocol: protocol.ID(msg.Words[0]), Label: protocol.Label(msg.Label)}
	h, ok := s.handlers[key]
	if !ok {
		if reply != nil {
			reply.Send(errorReply(glerr.New(glerr.NotSupported, "unknown protocol/label")))
		}
		return
	}

	rep, err := h(msg)
	if reply == nil {
		return
	}
	if err != nil {
		reply.Send(errorReply(err))
		return
	}
	reply.Send(rep)
}

func errorReply(err error) capability.Message {
	e, ok := err.(*glerr.Error)
	kind := glerr.NotSupported
	if ok {
		kind = e.Kind
	}
	return capability.Message{Words: [8]uint64{^uint64(0), uint64(kind)}}
}

// Run blocks on the endpoint receive loop — the driver's sole suspension
// point per spec §5 — until ctx is cancelled. If an IRQ capability has been
// bound, interrupt delivery is additionally pumped through a supervised
// background goroutine using golang.org/x/sync/errgroup so interrupts and
// client IPC can race exactly as they would against real hardware and a
// real kernel, while the synchronous receive loop remains the only place
// handler state is touched (no shared mutable state crosses goroutines in
// the sense of spec §5: the interrupt goroutine only forwards a capability
// message onto the same endpoint).
func (s *ServerLoop) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	if s.irqCap != nil {
		irq := s.irqCap
		ep := s.endpoint
		g.Go(func() error {
			for {
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				irq.Wait()
				select {
				case <-ctx.Done():
					return nil
				default:
				}
				ep.Send(capability.Message{Badge: capability.IRQBadge})
			}
		})
	}

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			msg, reply := s.endpoint.RecvWithReply()
			s.dispatchOne(msg, reply)
		}
	})

	return g.Wait()
}
