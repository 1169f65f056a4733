// Package gpio implements the leaf GPIO driver example's register access,
// exposing the SET_MODE/READ/WRITE protocol over a data register and a
// direction register. Grounded on usbarmory-tamago/soc/nxp/gpio/gpio.go
// (data/direction register pair) and
// original_source/gpio/sifive-gpio/src/gpio.rs (protocol shape).
//
// Copyright (c) WithSecure Corporation
// https://foundry.withsecure.com
//
// Use of this source code is governed by the license
// that can be found in the LICENSE file.
package gpio

import (
	"github.com/glenda-project/drivers/internal/glerr"
	"github.com/glenda-project/drivers/internal/mmio"
)

const (
	offData      = 0x00
	offDirection = 0x04
)

// Mode is the direction of one pin.
type Mode uint32

const (
	ModeInput Mode = iota
	ModeOutput
)

// Controller is a single GPIO bank bound to a register window.
type Controller struct {
	space   *mmio.Space
	numPins int
}

// New wraps window as a GPIO controller with numPins addressable pins.
func New(window []byte, numPins int) *Controller {
	return &Controller{space: mmio.NewSpace(window), numPins: numPins}
}

func (c *Controller) checkPin(pin int) error {
	if pin < 0 || pin >= c.numPins {
		return glerr.New(glerr.InvalidArgs, "pin out of range")
	}
	return nil
}

// SetMode configures pin's direction.
func (c *Controller) SetMode(pin int, mode Mode) error {
	if err := c.checkPin(pin); err != nil {
		return err
	}
	if mode == ModeOutput {
		c.space.Set(offDirection, pin)
	} else {
		c.space.Clear(offDirection, pin)
	}
	return nil
}

// Read returns the current level of pin.
func (c *Controller) Read(pin int) (bool, error) {
	if err := c.checkPin(pin); err != nil {
		return false, err
	}
	return c.space.Get(offData, pin, 1) != 0, nil
}

// Write drives pin to the given level. The caller is responsible for having
// configured the pin as an output via SetMode.
func (c *Controller) Write(pin int, high bool) error {
	if err := c.checkPin(pin); err != nil {
		return err
	}
	if high {
		c.space.Set(offData, pin)
	} else {
		c.space.Clear(offData, pin)
	}
	return nil
}
