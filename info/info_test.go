// SPDX-License-Identifier: MIT
//
// Copyright © 2018 Kent Gibson <warthog618@gmail.com>.

package info_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/gomodem/modem/info"
)

func TestHasPrefix(t *testing.T) {
	l := "cmd: blah"
	assert.True(t, info.HasPrefix(l, "cmd"))
	assert.False(t, info.HasPrefix(l, "cmd:"))
}

func TestTrimPrefix(t *testing.T) {
	// no prefix
	i := info.TrimPrefix("info line", "cmd")
	assert.Equal(t, "info line", i)

	// prefix
	i = info.TrimPrefix("cmd:info line", "cmd")
	assert.Equal(t, "info line", i)

	// prefix and space
	i = info.TrimPrefix("cmd: info line", "cmd")
	assert.Equal(t, "info line", i)
}

func TestFields(t *testing.T) {
	patterns := []struct {
		name string
		in   string
		out  []string
	}{
		{"single", `5`, []string{`5`}},
		{"plain", `"SM",5,10`, []string{`"SM"`, `5`, `10`}},
		{"quoted comma", `"Smith, J",1,129`, []string{`"Smith, J"`, `1`, `129`}},
		{"empty", ``, []string{``}},
	}
	for _, p := range patterns {
		f := func(t *testing.T) {
			assert.Equal(t, p.out, info.Fields(p.in))
		}
		t.Run(p.name, f)
	}
}

func TestUnquote(t *testing.T) {
	assert.Equal(t, "SM", info.Unquote(`"SM"`))
	assert.Equal(t, "SM", info.Unquote(` "SM" `))
	assert.Equal(t, "5", info.Unquote(`5`))
}
