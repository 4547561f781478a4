// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package pdu_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/gomodem/modem/pdu"
)

func TestFits7Bit(t *testing.T) {
	patterns := []struct {
		name string
		text string
		fits bool
	}{
		{"ascii", "Hello, world!", true},
		{"gsm extension", "Hello [world] {test}", true},
		{"cjk", "你好", false},
		{"emoji", "hi \U0001F600", false},
	}
	for _, p := range patterns {
		p := p
		t.Run(p.name, func(t *testing.T) {
			assert.Equal(t, p.fits, pdu.Fits7Bit(p.text))
		})
	}
}

func TestCodecSetSCA(t *testing.T) {
	c := pdu.New()
	assert.Nil(t, c.SetSCA(""))
	assert.Nil(t, c.SetSCA("+12345"))
	assert.NotNil(t, c.SetSCA("not-a-number!"))
}

func TestEncodeSubmit(t *testing.T) {
	c := pdu.New()
	submits, err := c.EncodeSubmit("+12345", "hello", 1, false)
	assert.Nil(t, err)
	assert.NotEmpty(t, submits)
	for _, s := range submits {
		assert.NotEmpty(t, s.Hex)
		assert.Greater(t, s.TPDULength, 0)
	}
}
