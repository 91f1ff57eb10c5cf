package chat

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aiconsole/internal/domain"
)

var fixedNow = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func codeTools() map[string]string {
	return map[string]string{"python": "python", "shell": "shell", "applescript": "applescript"}
}

func newTestAssembler(mut Mutator) *Assembler {
	return NewAssembler(mut, "g-agent", AssemblerOptions{
		CodeTools: codeTools(),
		Now:       func() time.Time { return fixedNow },
		NewID:     sequentialIDs("m"),
	})
}

func TestAssembler_StreamsMessageWithToolCall(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{Content: "Calculating"},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code": "print(1`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `+1)"}`}}},
	))
	require.NoError(t, err)

	want := []domain.Mutation{
		domain.CreateMessageMutation{MessageGroupID: "g-agent", MessageID: "m1", Timestamp: fixedNow},
		domain.SetIsStreamingMessageMutation{MessageID: "m1", IsStreaming: true},
		domain.AppendToContentMessageMutation{MessageID: "m1", ContentDelta: "Calculating"},
		domain.CreateToolCallMutation{MessageID: "m1", ToolCallID: "t1"},
		domain.SetLanguageToolCallMutation{ToolCallID: "t1", Language: "python"},
		domain.AppendToCodeToolCallMutation{ToolCallID: "t1", CodeDelta: "print(1"},
		domain.AppendToCodeToolCallMutation{ToolCallID: "t1", CodeDelta: "+1)"},
		domain.SetIsStreamingToolCallMutation{ToolCallID: "t1", IsStreaming: false},
		domain.SetIsStreamingMessageMutation{MessageID: "m1", IsStreaming: false},
	}
	assert.Equal(t, want, notifier.mutations())

	assert.Equal(t, "m1", result.MessageID)
	assert.Equal(t, "Calculating", result.Content)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "print(1+1)", result.ToolCalls[0].Code)
	assert.Equal(t, "python", result.ToolCalls[0].Language)

	_, msg, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.False(t, msg.IsStreaming)
	assert.False(t, tc.IsStreaming)
	assert.Equal(t, "print(1+1)", tc.Code)
	assert.True(t, tc.AwaitingConfirmation())
}

func TestAssembler_OneCreatePerToolCallID(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	_, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "shell"}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `{"code":"ls`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: ` -la"}`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 1, ID: "t2", Name: "python", Arguments: `{"code":"x=1"}`}}},
	))
	require.NoError(t, err)

	creates := map[string]int{}
	for _, m := range notifier.mutations() {
		if c, ok := m.(domain.CreateToolCallMutation); ok {
			creates[c.ToolCallID]++
		}
	}
	assert.Equal(t, map[string]int{"t1": 1, "t2": 1}, creates)

	chat := mut.Chat()
	_, _, t1, ok := chat.FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "shell", t1.Language)
	assert.Equal(t, "ls -la", t1.Code)

	_, _, t2, ok := chat.FindToolCall("t2")
	require.True(t, ok)
	assert.Equal(t, "x=1", t2.Code)
}

func TestAssembler_CodeIsConcatenationOfDeltas(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	chunks := []string{`{"co`, `de": "for i in`, ` range(3):\n`, `    print(\"i\", i)`, `\n"}`}
	var deltas []domain.StreamDelta
	for i, c := range chunks {
		d := domain.FunctionCallDelta{Index: 0, Arguments: c}
		if i == 0 {
			d.ID, d.Name = "t1", "python"
		}
		deltas = append(deltas, domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{d}})
	}

	_, err := asm.Run(context.Background(), scriptedStream(deltas...))
	require.NoError(t, err)

	var appended strings.Builder
	for _, m := range notifier.mutations() {
		if a, ok := m.(domain.AppendToCodeToolCallMutation); ok {
			assert.NotEmpty(t, a.CodeDelta)
			appended.WriteString(a.CodeDelta)
		}
	}
	want := "for i in range(3):\n    print(\"i\", i)\n"
	assert.Equal(t, want, appended.String())

	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, want, tc.Code)
}

func TestAssembler_RawArgumentsAreCode(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)

	_, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: "print("}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: "'hi')"}}},
	))
	require.NoError(t, err)

	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "print('hi')", tc.Code)
}

func TestAssembler_LanguageHintWins(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)

	_, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"language":"shell","code":"echo hi"}`}}},
	))
	require.NoError(t, err)

	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "shell", tc.Language)
	assert.Equal(t, "echo hi", tc.Code)
}

func TestAssembler_UndeclaredFunction(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "foo", Arguments: `{"x":`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `1}`}}},
	))
	require.NoError(t, err)

	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, DefaultLanguage, tc.Language)
	assert.Equal(t, `foo({"x":1})`, tc.Code)
	assert.Equal(t, `foo({"x":1})`, result.ToolCalls[0].Code)

	// The closing parenthesis is appended before streaming ends.
	muts := notifier.mutations()
	require.GreaterOrEqual(t, len(muts), 3)
	assert.Equal(t, domain.AppendToCodeToolCallMutation{ToolCallID: "t1", CodeDelta: ")"}, muts[len(muts)-3])
}

func TestAssembler_UndeclaredFunctionWithoutArguments(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "foo"}}},
	))
	require.NoError(t, err)

	for _, m := range notifier.mutations() {
		_, isAppend := m.(domain.AppendToCodeToolCallMutation)
		assert.False(t, isAppend, "unexpected %#v", m)
	}
	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Empty(t, tc.Code)
	assert.False(t, tc.AwaitingConfirmation())
	assert.Empty(t, result.ToolCalls[0].Code)
}

func TestAssembler_DataFunctionKeepsArgumentsVerbatim(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := NewAssembler(mut, "g-agent", AssemblerOptions{
		CodeTools:     codeTools(),
		DataFunctions: map[string]bool{"answer": true},
		Now:           func() time.Time { return fixedNow },
		NewID:         sequentialIDs("m"),
	})

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "answer", Arguments: `{"total":`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `2}`}}},
	))
	require.NoError(t, err)

	for _, m := range notifier.mutations() {
		_, isLanguage := m.(domain.SetLanguageToolCallMutation)
		assert.False(t, isLanguage, "unexpected %#v", m)
	}
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, `{"total":2}`, result.ToolCalls[0].Code)
	assert.Empty(t, result.ToolCalls[0].Language)

	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, `{"total":2}`, tc.Code)
	assert.Empty(t, tc.Language)
}

func TestAssembler_EmptyArgumentsProduceNoCode(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	_, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python"}}},
		domain.StreamDelta{Empty: true},
	))
	require.NoError(t, err)

	for _, m := range notifier.mutations() {
		_, isAppend := m.(domain.AppendToCodeToolCallMutation)
		assert.False(t, isAppend, "unexpected %T", m)
	}
	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Empty(t, tc.Code)
	assert.False(t, tc.IsStreaming)
}

func TestAssembler_MissingIDIsGenerated(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Name: "python", Arguments: `{"code":"1"}`}}},
	))
	require.NoError(t, err)
	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "m2", result.ToolCalls[0].ID)
}

func TestAssembler_ClearDiscardsPartialOutput(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{Content: "first try"},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"print(`}}},
		domain.StreamDelta{Clear: true},
		domain.StreamDelta{Content: "second"},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"print(2)"}`}}},
	))
	require.NoError(t, err)

	_, msg, ok := mut.Chat().FindMessage(result.MessageID)
	require.True(t, ok)
	assert.Equal(t, "second", msg.Content)
	assert.False(t, msg.IsStreaming)
	require.Len(t, msg.ToolCalls, 1)
	assert.Equal(t, "t1", msg.ToolCalls[0].ID)
	assert.Equal(t, "print(2)", msg.ToolCalls[0].Code)
	assert.False(t, msg.ToolCalls[0].IsStreaming)
}

func TestAssembler_ClearKeepsReusedToolCallID(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"print(`}}},
		domain.StreamDelta{Clear: true},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"print(2)"}`}}},
	))
	require.NoError(t, err)

	var creates, deletes int
	for _, m := range notifier.mutations() {
		switch m := m.(type) {
		case domain.CreateToolCallMutation:
			assert.Equal(t, "t1", m.ToolCallID)
			creates++
		case domain.DeleteToolCallMutation:
			deletes++
		}
	}
	assert.Equal(t, 1, creates)
	assert.Zero(t, deletes)
	assert.Contains(t, notifier.mutations(), domain.Mutation(domain.SetCodeToolCallMutation{ToolCallID: "t1", Code: ""}))

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "print(2)", result.ToolCalls[0].Code)
	assert.Equal(t, "python", result.ToolCalls[0].Language)
	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "print(2)", tc.Code)
	assert.Equal(t, "python", tc.Language)
}

func TestAssembler_ClearDropsToolCallsThatDoNotReturn(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "shell", Arguments: `{"code":"rm`}}},
		domain.StreamDelta{Clear: true},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t2", Name: "python", Arguments: `{"code":"1"}`}}},
	))
	require.NoError(t, err)

	require.Len(t, result.ToolCalls, 1)
	assert.Equal(t, "t2", result.ToolCalls[0].ID)

	_, _, _, ok := mut.Chat().FindToolCall("t1")
	assert.False(t, ok)
	_, _, tc, ok := mut.Chat().FindToolCall("t2")
	require.True(t, ok)
	assert.Equal(t, "1", tc.Code)

	for _, m := range notifier.mutations() {
		if s, isStreaming := m.(domain.SetIsStreamingToolCallMutation); isStreaming {
			assert.Equal(t, "t2", s.ToolCallID)
		}
	}
}

func TestAssembler_SurrogatePairSplitAcrossDeltas(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"print('\ud83d`}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `\ude00')"}`}}},
	))
	require.NoError(t, err)

	var appended strings.Builder
	for _, m := range notifier.mutations() {
		switch m := m.(type) {
		case domain.AppendToCodeToolCallMutation:
			assert.True(t, utf8.ValidString(m.CodeDelta), "invalid delta %q", m.CodeDelta)
			appended.WriteString(m.CodeDelta)
		case domain.SetCodeToolCallMutation:
			t.Fatalf("unexpected code reset %q", m.Code)
		}
	}
	assert.Equal(t, "print('😀')", appended.String())
	assert.Equal(t, "print('😀')", result.ToolCalls[0].Code)
}

func TestAssembler_ArgumentsThatStopExtendingResetCode(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: " "}}},
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, Arguments: `{"code":"x=1"}`}}},
	))
	require.NoError(t, err)

	assert.Contains(t, notifier.mutations(), domain.Mutation(domain.SetCodeToolCallMutation{ToolCallID: "t1", Code: "x=1"}))
	assert.Equal(t, "x=1", result.ToolCalls[0].Code)
	_, _, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.Equal(t, "x=1", tc.Code)
}

func TestAssembler_ClearTwiceIsHarmless(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{Content: "x"},
		domain.StreamDelta{Clear: true},
		domain.StreamDelta{Clear: true},
		domain.StreamDelta{Content: "y", Done: true},
		domain.StreamDelta{Content: "ignored"},
	))
	require.NoError(t, err)
	assert.Equal(t, "y", result.Content)

	_, msg, ok := mut.Chat().FindMessage(result.MessageID)
	require.True(t, ok)
	assert.Equal(t, "y", msg.Content)
}

func TestAssembler_StreamErrorStillFinishes(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := newTestAssembler(mut)
	boom := errors.New("upstream reset")

	result, err := asm.Run(context.Background(), scriptedStream(
		domain.StreamDelta{ToolCalls: []domain.FunctionCallDelta{{Index: 0, ID: "t1", Name: "python", Arguments: `{"code":"1`}}},
		domain.StreamDelta{Err: boom},
	))
	require.ErrorIs(t, err, boom)

	_, msg, tc, ok := mut.Chat().FindToolCall("t1")
	require.True(t, ok)
	assert.False(t, msg.IsStreaming)
	assert.False(t, tc.IsStreaming)
	assert.Equal(t, "1", result.ToolCalls[0].Code)
}

func TestAssembler_CancellationStillFinishes(t *testing.T) {
	mut, _, notifier := newTestMutator(t)
	asm := newTestAssembler(mut)

	stream := make(chan domain.StreamDelta)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := asm.Run(ctx, stream)
		done <- err
	}()

	stream <- domain.StreamDelta{Content: "partial"}
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	muts := notifier.mutations()
	assert.Equal(t, domain.SetIsStreamingMessageMutation{MessageID: "m1", IsStreaming: false}, muts[len(muts)-1])
	_, msg, ok := mut.Chat().FindMessage("m1")
	require.True(t, ok)
	assert.Equal(t, "partial", msg.Content)
	assert.False(t, msg.IsStreaming)
}

func TestAssembler_MutationFailureAborts(t *testing.T) {
	mut, _, _ := newTestMutator(t)
	asm := NewAssembler(mut, "no-such-group", AssemblerOptions{NewID: sequentialIDs("m")})

	_, err := asm.Run(context.Background(), scriptedStream(domain.StreamDelta{Content: "hi"}))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMessageGroupNotFound)
}
