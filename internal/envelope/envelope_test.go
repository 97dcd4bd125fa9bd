package envelope

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSeqMonotonePerEpoch(t *testing.T) {
	s := NewStamper()
	s.NextEpoch()
	a := s.Stamp()
	b := s.Stamp()
	assert.Equal(t, a.Epoch, b.Epoch)
	assert.Less(t, a.Seq, b.Seq)
}

func TestEpochResetsSeq(t *testing.T) {
	s := NewStamper()
	s.NextEpoch()
	s.Stamp()
	s.Stamp()
	s.NextEpoch()
	env := s.Stamp()
	assert.Equal(t, int64(1), env.Seq)
}

func TestIsCurrentRejectsStaleEpoch(t *testing.T) {
	s := NewStamper()
	s.NextEpoch()
	stale := s.Stamp()
	s.NextEpoch() // simulate abort + new generate
	assert.False(t, s.IsCurrent(stale))

	fresh := s.Stamp()
	assert.True(t, s.IsCurrent(fresh))
}

type tokenEvent struct {
	Envelope
	Token string
}

func TestFilterDropsLateTokens(t *testing.T) {
	s := NewStamper()
	in := make(chan tokenEvent, 4)

	s.NextEpoch()
	in <- tokenEvent{Envelope: s.Stamp(), Token: "a"}
	stale := s.Stamp()

	s.NextEpoch()
	in <- tokenEvent{Envelope: stale, Token: "late"}
	in <- tokenEvent{Envelope: s.Stamp(), Token: "b"}
	close(in)

	out := Filter(in, s, func(e tokenEvent) Envelope { return e.Envelope })
	var got []string
	for e := range out {
		got = append(got, e.Token)
	}
	assert.Equal(t, []string{"b"}, got, "only the event stamped with the current epoch should survive")
}
