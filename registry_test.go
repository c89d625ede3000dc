// SPDX-License-Identifier: Apache-2.0

package secnego

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type nullMech struct{}

func (nullMech) Initiate(string, ContextFlag) ([]byte, error) { return nil, nil }
func (nullMech) Accept(string) error                          { return nil }
func (nullMech) Continue([]byte) ([]byte, error)              { return nil, nil }
func (nullMech) IsEstablished() bool                          { return false }
func (nullMech) ContextFlags() ContextFlag                    { return 0 }
func (nullMech) PeerName() (string, error)                    { return "", ErrContextNotEstablished }
func (nullMech) Wrap([]byte, bool) ([]byte, error)            { return nil, ErrContextNotEstablished }
func (nullMech) Unwrap([]byte) ([]byte, bool, error)          { return nil, false, ErrContextNotEstablished }
func (nullMech) Dispose() error                               { return nil }

func TestRegistry(t *testing.T) {
	r := NewRegistry()

	assert.False(t, r.IsRegistered("null"))
	assert.Nil(t, r.New("null"))

	r.Register("Null", func() Mech { return nullMech{} })

	// lookups are case insensitive
	assert.True(t, r.IsRegistered("null"))
	assert.True(t, r.IsRegistered("NULL"))
	assert.NotNil(t, r.New("null"))
	assert.NotNil(t, r.Factory("null"))
	assert.ElementsMatch(t, []string{"null"}, r.Mechs())
}

func TestRegistryDuplicate(t *testing.T) {
	r := NewRegistry()
	r.Register("null", func() Mech { return nullMech{} })

	assert.Panics(t, func() {
		r.Register("null", func() Mech { return nullMech{} })
	})
}

func TestRegistryUnestablishedReads(t *testing.T) {
	m := nullMech{}

	_, err := m.PeerName()
	assert.ErrorIs(t, err, ErrContextNotEstablished)

	_, err = m.Wrap([]byte("x"), false)
	assert.ErrorIs(t, err, ErrContextNotEstablished)
}
