package generation

import (
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deltaLine(content string) string {
	return `data: {"choices":[{"delta":{"content":` + quote(content) + `}}]}` + "\n\n"
}

func quote(s string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

func sseBody(fragments ...string) string {
	var b strings.Builder
	for _, f := range fragments {
		b.WriteString(deltaLine(f))
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

func collect(t *testing.T, d *Decoder) []string {
	t.Helper()
	var out []string
	for d.Next() {
		out = append(out, d.Fragment())
	}
	return out
}

// chunkReader hands out one chunk per Read call.
type chunkReader struct {
	chunks []string
	reads  int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if r.reads >= len(r.chunks) {
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.reads])
	if n < len(r.chunks[r.reads]) {
		r.chunks[r.reads] = r.chunks[r.reads][n:]
		return n, nil
	}
	r.reads++
	return n, nil
}

func TestDecoderYieldsFragmentsInOrder(t *testing.T) {
	d := NewDecoder(strings.NewReader(sseBody("4", ".")), nil)
	assert.Equal(t, []string{"4", "."}, collect(t, d))
	assert.NoError(t, d.Err())
}

func TestDecoderCarriesPartialLinesAcrossChunks(t *testing.T) {
	body := sseBody("héllo ", "wörld 🌍", "!")
	d := NewDecoder(iotest.OneByteReader(strings.NewReader(body)), nil)
	assert.Equal(t, []string{"héllo ", "wörld 🌍", "!"}, collect(t, d))
	assert.Zero(t, d.Skipped())
	require.NoError(t, d.Err())
}

func TestDecoderJoinsPayloadSplitMidToken(t *testing.T) {
	line := deltaLine("split")
	cut := strings.Index(line, "conte") + 3
	r := &chunkReader{chunks: []string{line[:cut], line[cut:], "data: [DONE]\n"}}
	d := NewDecoder(r, nil)
	assert.Equal(t, []string{"split"}, collect(t, d))
	assert.Zero(t, d.Skipped(), "split payload must not be treated as malformed")
}

func TestDecoderSkipsMalformedPayload(t *testing.T) {
	body := deltaLine("a") + "data: {\"choices\":[{\"delta\":{\"content\":\n\n" + deltaLine("b") + "data: [DONE]\n"
	d := NewDecoder(strings.NewReader(body), nil)
	assert.Equal(t, []string{"a", "b"}, collect(t, d))
	assert.Equal(t, 1, d.Skipped())
	assert.NoError(t, d.Err())
}

func TestDecoderIgnoresNonDataLines(t *testing.T) {
	body := ": keep-alive\n" +
		"event: completion\n" +
		"id: 7\n" +
		"data:\n" +
		"   \n" +
		`data: {"choices":[]}` + "\n" +
		`data: {"choices":[{"delta":{"role":"assistant"}}]}` + "\n" +
		"data:{\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\r\n" +
		"data: [DONE]\n"
	d := NewDecoder(strings.NewReader(body), nil)
	assert.Equal(t, []string{"x"}, collect(t, d))
	assert.Zero(t, d.Skipped())
}

func TestDecoderStopsAtDoneToken(t *testing.T) {
	body := deltaLine("a") + "data: [DONE]\n" + deltaLine("after")
	d := NewDecoder(strings.NewReader(body), nil)
	assert.Equal(t, []string{"a"}, collect(t, d))
	assert.False(t, d.Next(), "decoder is one-shot")
}

func TestDecoderDecodesTrailingLineAtEOF(t *testing.T) {
	body := deltaLine("a") + `data: {"choices":[{"delta":{"content":"tail"}}]}`
	d := NewDecoder(strings.NewReader(body), nil)
	assert.Equal(t, []string{"a", "tail"}, collect(t, d))
	assert.NoError(t, d.Err())
}

func TestDecoderSurfacesReadError(t *testing.T) {
	boom := errors.New("connection reset")
	r := io.MultiReader(strings.NewReader(deltaLine("a")), iotest.ErrReader(boom))
	d := NewDecoder(r, nil)
	assert.Equal(t, []string{"a"}, collect(t, d))
	assert.ErrorIs(t, d.Err(), boom)
}

func TestDecoderRejectsOversizedLine(t *testing.T) {
	body := "data: " + strings.Repeat("x", MaxLineSize+1) + "\n"
	d := NewDecoder(strings.NewReader(body), nil)
	assert.Empty(t, collect(t, d))
	assert.ErrorIs(t, d.Err(), ErrParse)
}

func TestDecoderPullsLazily(t *testing.T) {
	r := &chunkReader{chunks: []string{deltaLine("a"), deltaLine("b"), "data: [DONE]\n"}}
	d := NewDecoder(r, nil)

	require.True(t, d.Next())
	assert.Equal(t, "a", d.Fragment())
	assert.Equal(t, 1, r.reads, "only the first chunk may be read before the consumer asks again")

	require.True(t, d.Next())
	assert.Equal(t, "b", d.Fragment())
	assert.Equal(t, 2, r.reads)
	assert.False(t, d.Next())
}
