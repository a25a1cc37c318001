package stream

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecoderFeedAssistantMessage(t *testing.T) {
	d := NewDecoder(nil)
	line := `{"type":"assistant","message":{"content":[{"type":"text","text":"hello"},{"type":"tool_use","name":"bash","input":{"cmd":"ls"}}],"stop_reason":"end_turn"}}` + "\n"

	msgs := d.Feed([]byte(line))
	require.Len(t, msgs, 1)
	assert.Equal(t, KindAssistantMessage, msgs[0].Kind)
	assert.Equal(t, "hello", msgs[0].Text)
	assert.True(t, msgs[0].HasToolUse())
	assert.Equal(t, "end_turn", msgs[0].StopReason)
	assert.True(t, IsComplete(msgs[0]))
}

func TestDecoderResultEvent(t *testing.T) {
	d := NewDecoder(nil)
	line := `{"type":"result","is_error":false,"session_id":"abc","total_cost_usd":0.5,"duration_ms":1200}` + "\n"

	msgs := d.Feed([]byte(line))
	require.Len(t, msgs, 1)
	assert.Equal(t, KindResult, msgs[0].Kind)
	assert.Equal(t, "abc", msgs[0].SessionID)
	assert.False(t, msgs[0].IsError)
	assert.True(t, IsComplete(msgs[0]))
}

func TestDecoderMalformedLineReported(t *testing.T) {
	var bad []string
	d := NewDecoder(func(raw string, err error) {
		bad = append(bad, raw)
	})

	msgs := d.Feed([]byte("not json\n{\"type\":\"result\"}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, KindResult, msgs[0].Kind)
	require.Len(t, bad, 1)
	assert.Equal(t, "not json", bad[0])
}

func TestDecoderPartialLineBufferedUntilNextFeed(t *testing.T) {
	d := NewDecoder(nil)

	msgs := d.Feed([]byte(`{"type":"result","session_id":"a`))
	assert.Empty(t, msgs)

	msgs = d.Feed([]byte("bc\"}\n"))
	require.Len(t, msgs, 1)
	assert.Equal(t, "abc", msgs[0].SessionID)
}

func TestDecoderFlushHandlesTrailingLineWithoutNewline(t *testing.T) {
	d := NewDecoder(nil)

	msgs := d.Feed([]byte(`{"type":"result","session_id":"x"}`))
	assert.Empty(t, msgs)

	msgs = d.Flush()
	require.Len(t, msgs, 1)
	assert.Equal(t, "x", msgs[0].SessionID)
}

// TestDecoderLinearAcrossChunkSplits covers P6: splitting the same byte
// stream into different chunk boundaries must not change the sequence
// of decoded messages.
func TestDecoderLinearAcrossChunkSplits(t *testing.T) {
	full := []byte(`{"type":"result","session_id":"one"}` + "\n" + `{"type":"assistant","message":{"content":[{"type":"text","text":"two"}]}}` + "\n")

	whole := NewDecoder(nil)
	want := whole.Feed(full)

	splits := [][]int{{5, 20}, {1}, {len(full) - 1}, {}}
	for _, cuts := range splits {
		d := NewDecoder(nil)
		var got []Message
		prev := 0
		for _, c := range cuts {
			got = append(got, d.Feed(full[prev:c])...)
			prev = c
		}
		got = append(got, d.Feed(full[prev:])...)

		require.Len(t, got, len(want))
		for i := range want {
			assert.Equal(t, want[i].Kind, got[i].Kind)
			assert.Equal(t, want[i].Text, got[i].Text)
			assert.Equal(t, want[i].SessionID, got[i].SessionID)
		}
	}
}

func TestExtractPRURLPicksLongestMatch(t *testing.T) {
	text := "see https://forge.test/o/r/pull/4 and also https://forge.test/o/r/pull/42"
	url, ok := ExtractPRURL(text)
	require.True(t, ok)
	assert.Equal(t, "https://forge.test/o/r/pull/42", url)

	n, ok := ExtractPRNumber(url)
	require.True(t, ok)
	assert.Equal(t, 42, n)
}

func TestIsAPIErrorPatterns(t *testing.T) {
	assert.True(t, IsAPIError(Message{Kind: KindResult, IsError: true}))
	assert.True(t, IsAPIError(Message{Text: "ECONNREFUSED talking to host"}))
	assert.True(t, IsAPIError(Message{Text: "hit a rate limit, backing off"}))
	assert.False(t, IsAPIError(Message{Text: "2 tests failed in suite"}))
}

func TestReviewCompleteParsesBanner(t *testing.T) {
	assert.Equal(t, ReviewResultPass, ReviewComplete("RESULT: PASS\nlgtm"))
	assert.Equal(t, ReviewResultPass, ReviewComplete("RESULT: CONDITIONAL PASS\nminor nits"))
	assert.Equal(t, ReviewResultFail, ReviewComplete("RESULT: FAIL\nbroken build"))
	assert.Equal(t, ReviewResultNone, ReviewComplete("still working"))
}
