package voicekit

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAssemblerPreservesArrivalOrder(t *testing.T) {
	asm := NewAssembler()
	fragments := []string{"The ", "Penny ", "Black ", "was ", "issued ", "in ", "1840."}
	for _, f := range fragments {
		asm.Append(DirectionModel, f)
	}
	msg, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)
	assert.Equal(t, "The Penny Black was issued in 1840.", msg.Text)
	assert.Equal(t, DirectionModel, msg.Direction)
}

func TestAssemblerDirectionsAreIndependent(t *testing.T) {
	asm := NewAssembler()
	asm.Append(DirectionUser, "show rare ")
	asm.Append(DirectionModel, "Here are ")
	asm.Append(DirectionUser, "German stamps")
	asm.Append(DirectionModel, "some results")

	userMsg, ok := asm.Finalize(DirectionUser, "")
	require.True(t, ok)
	modelMsg, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)
	assert.Equal(t, "show rare German stamps", userMsg.Text)
	assert.Equal(t, "Here are some results", modelMsg.Text)
}

func TestAssemblerFinalizeIsIdempotent(t *testing.T) {
	asm := NewAssembler()
	asm.Append(DirectionModel, "hello")

	_, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)

	// Several "done" variants may arrive for one completion.
	_, ok = asm.Finalize(DirectionModel, "")
	assert.False(t, ok, "second finalize must not emit a second message")
	_, ok = asm.Finalize(DirectionModel, "hello")
	assert.False(t, ok)
}

func TestAssemblerFinalizeOverride(t *testing.T) {
	asm := NewAssembler()
	asm.Append(DirectionUser, "peny blak") // partial deltas can be rough
	msg, ok := asm.Finalize(DirectionUser, "penny black")
	require.True(t, ok)
	assert.Equal(t, "penny black", msg.Text, "final transcription is authoritative")
}

func TestAssemblerFinalizeWithoutStart(t *testing.T) {
	asm := NewAssembler()
	_, ok := asm.Finalize(DirectionUser, "")
	assert.False(t, ok)

	// A final transcription can arrive without any preceding delta.
	msg, ok := asm.Finalize(DirectionUser, "penny black")
	require.True(t, ok)
	assert.Equal(t, "penny black", msg.Text)
}

func TestAssemblerAppendAfterFinalizeDropped(t *testing.T) {
	asm := NewAssembler()
	asm.Append(DirectionModel, "first")
	_, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)

	// Stragglers for the finished utterance are dropped until reset.
	asm.Append(DirectionModel, "straggler")
	assert.Empty(t, asm.Partial(DirectionModel))

	asm.Reset(DirectionModel)
	asm.Append(DirectionModel, "second")
	msg, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)
	assert.Equal(t, "second", msg.Text)
}

func TestAssemblerResetDiscards(t *testing.T) {
	asm := NewAssembler()
	asm.Append(DirectionModel, "about to be interrupted")
	asm.Reset(DirectionModel)
	_, ok := asm.Finalize(DirectionModel, "")
	assert.False(t, ok, "reset buffer has nothing to finalize")
}

func TestAssemblerManyFragments(t *testing.T) {
	asm := NewAssembler()
	expected := ""
	for i := range 100 {
		f := fmt.Sprintf("%d,", i)
		expected += f
		asm.Append(DirectionModel, f)
	}
	msg, ok := asm.Finalize(DirectionModel, "")
	require.True(t, ok)
	assert.Equal(t, expected, msg.Text)
}
