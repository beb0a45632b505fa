package memory_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vosbek/memoryme/memory"
)

func TestRecordNormalizeAndValidate(t *testing.T) {
	rec := memory.Record{Content: "hello", Tags: []string{" Go ", "go", "", "Redis"}}
	rec.Normalize()

	assert.Equal(t, memory.TypeNote, rec.Type)
	assert.Equal(t, []string{"go", "redis"}, rec.Tags)
	assert.NoError(t, rec.Validate())

	empty := memory.Record{Type: memory.TypeNote, Title: "  "}
	err := empty.Validate()
	require.Error(t, err)
	assert.True(t, memory.IsValidation(err))

	bad := memory.Record{Type: "poem", Content: "x"}
	var verr *memory.ValidationError
	require.True(t, errors.As(bad.Validate(), &verr))
	assert.Equal(t, "type", verr.Field)
}

func TestParseRecordType(t *testing.T) {
	rt, err := memory.ParseRecordType("Meeting Notes")
	require.NoError(t, err)
	assert.Equal(t, memory.TypeMeetingNotes, rt)

	rt, err = memory.ParseRecordType("debug-session")
	require.NoError(t, err)
	assert.Equal(t, memory.TypeDebugSession, rt)

	_, err = memory.ParseRecordType("haiku")
	assert.ErrorIs(t, err, memory.ErrValidation)
}

func TestRecordPatchApply(t *testing.T) {
	base := memory.Record{
		ID:       "r1",
		Type:     memory.TypeNote,
		Title:    "title",
		Content:  "old",
		Tags:     []string{"a"},
		Metadata: memory.Metadata{"n": memory.IntValue(1)},
	}

	content := "new"
	tags := []string{"B", "a"}
	patched := memory.RecordPatch{Content: &content, Tags: &tags}.Apply(base)

	assert.Equal(t, "new", patched.Content)
	assert.Equal(t, "title", patched.Title)
	assert.Equal(t, []string{"a", "b"}, patched.Tags)
	assert.True(t, memory.ExtractionInputChanged(base, patched))

	// The original must not alias the patched copy.
	patched.Metadata["n"] = memory.IntValue(2)
	n, _ := base.Metadata["n"].AsInt()
	assert.Equal(t, int64(1), n)

	title := "other"
	retitled := memory.RecordPatch{Title: &title}.Apply(base)
	assert.False(t, memory.ExtractionInputChanged(base, retitled))
	assert.True(t, memory.RecordPatch{}.Empty())
}

func TestValueJSONKeepsKinds(t *testing.T) {
	md := memory.Metadata{
		"count": memory.IntValue(3),
		"ratio": memory.FloatValue(3),
		"ok":    memory.BoolValue(true),
		"lang":  memory.StringValue("go"),
		"none":  memory.NullValue(),
	}
	data, err := json.Marshal(md)
	require.NoError(t, err)

	var back memory.Metadata
	require.NoError(t, json.Unmarshal(data, &back))

	assert.Equal(t, memory.KindInt, back["count"].Kind())
	assert.Equal(t, memory.KindFloat, back["ratio"].Kind())
	assert.True(t, back["none"].IsNull())
	for k, v := range md {
		assert.True(t, v.Equal(back[k]), k)
	}

	var v memory.Value
	assert.Error(t, json.Unmarshal([]byte(`{"kind":"blob","value":1}`), &v))
}

func TestNormalizeName(t *testing.T) {
	assert.Equal(t, "session cache", memory.NormalizeName("  Session\tCACHE "))
	// Full-width letters fold to ASCII under NFKC.
	assert.Equal(t, "redis", memory.NormalizeName("Ｒｅｄｉｓ"))
	assert.Equal(t, memory.EntityKey("Redis", "technology"), memory.EntityKey("REDIS", "Technology"))
	assert.NotEqual(t, memory.EntityKey("Redis", "technology"), memory.EntityKey("Redis", "concept"))
}

func TestTokenize(t *testing.T) {
	assert.Equal(t, []string{"use", "redis", "for", "session", "cache"}, memory.Tokenize("Use Redis, for session-cache!"))
	assert.Empty(t, memory.Tokenize(" ,.; "))
}
