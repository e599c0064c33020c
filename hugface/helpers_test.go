package hugface

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTruncateReply(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		limit    int
		expected string
	}{
		{name: "short", input: "hello", limit: 10, expected: "hello"},
		{name: "exact", input: "hello", limit: 5, expected: "hello"},
		{name: "long", input: "hello world", limit: 8, expected: "hello..."},
		{name: "multibyte", input: "héllo wörld", limit: 8, expected: "héllo..."},
		{name: "limit shorter than ellipsis", input: "hello", limit: 2, expected: "he"},
		{name: "empty", input: "", limit: 5, expected: ""},
	}
	for _, tt := range tests {
		t.Run(
			tt.name, func(t *testing.T) {
				assert.Equal(t, tt.expected, truncateReply(tt.input, tt.limit))
			},
		)
	}
}

func TestTruncateReply_DiscordLimit(t *testing.T) {
	reply := truncateReply(strings.Repeat("x", 2100), discordMaxMessageLength)
	assert.Equal(t, discordMaxMessageLength, utf8.RuneCountInString(reply))
	assert.True(t, strings.HasSuffix(reply, discordTruncatedMessageEllipsis))
	assert.Equal(t, strings.Repeat("x", discordMaxMessageLength-3), reply[:discordMaxMessageLength-3])

	emoji := truncateReply(strings.Repeat("🤗", 2001), discordMaxMessageLength)
	assert.Equal(t, discordMaxMessageLength, utf8.RuneCountInString(emoji))
	assert.True(t, utf8.ValidString(emoji))
}

func TestDropRunes(t *testing.T) {
	assert.Equal(t, "lo", dropRunes("hello", 3))
	assert.Equal(t, "hello", dropRunes("hello", 0))
	assert.Equal(t, "hello", dropRunes("hello", -1))
	assert.Equal(t, "", dropRunes("hello", 5))
	assert.Equal(t, "", dropRunes("hello", 50))
	assert.Equal(t, "ö", dropRunes("äbö", 2))
}

func TestHashPasswordAndVerify(t *testing.T) {
	t.Parallel()
	testCases := []struct {
		name     string
		password string
	}{
		{"Simple token", "hunter2"},
		{"Complex token", "C0mpl3x!T0k3n"},
		{"Empty token", ""},
		{"Unicode token", "пароль123"},
		{"Very long token", strings.Repeat("a", 1000)},
	}

	for _, tc := range testCases {
		t.Run(
			tc.name, func(t *testing.T) {
				hash, err := HashPassword(tc.password)
				require.NoError(t, err)
				assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m="), hash)

				valid, err := VerifyPassword(hash, tc.password)
				require.NoError(t, err)
				assert.True(t, valid)

				valid, err = VerifyPassword(hash, tc.password+"wrong")
				require.NoError(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestVerifyPassword_InvalidHash(t *testing.T) {
	invalidHashes := []string{
		"not a valid hash",
		"",
		"$argon2id$v=19$m=65536,t=1,p=4$invalidbase64$invalidbase64",
		"$argon2id$v=19$m=invalid,t=1,p=4$c29tZXNhbHQ$c29tZWhhc2g=",
	}

	for _, invalidHash := range invalidHashes {
		t.Run(
			invalidHash, func(t *testing.T) {
				valid, err := VerifyPassword(invalidHash, "anypassword")
				assert.Error(t, err)
				assert.False(t, valid)
			},
		)
	}
}

func TestHashPassword_Uniqueness(t *testing.T) {
	hash1, err := HashPassword("same")
	require.NoError(t, err)
	hash2, err := HashPassword("same")
	require.NoError(t, err)
	assert.NotEqual(t, hash1, hash2)
}

func TestGenerateRandomHexString(t *testing.T) {
	s, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.Len(t, s, 32)

	odd, err := generateRandomHexString(7)
	require.NoError(t, err)
	assert.Len(t, odd, 8)

	other, err := generateRandomHexString(32)
	require.NoError(t, err)
	assert.NotEqual(t, s, other)
}

func TestStructToSlogValue(t *testing.T) {
	type nested struct {
		Name string `json:"name"`
	}
	type example struct {
		Visible  string  `json:"visible"`
		Secret   string  `json:"secret" log:"[redacted]"`
		Hidden   string  `json:"-"`
		Empty    string  `json:"empty"`
		NilPtr   *string `json:"nil_ptr"`
		Untagged int
		Nested   nested `json:"nested"`
		private  string
	}

	v := structToSlogValue(
		example{
			Visible:  "shown",
			Secret:   "hunter2",
			Hidden:   "nope",
			Untagged: 5,
			Nested:   nested{Name: "inner"},
			private:  "x",
		},
	)
	require.Equal(t, slog.KindGroup, v.Kind())

	attrs := map[string]slog.Value{}
	for _, a := range v.Group() {
		attrs[a.Key] = a.Value
	}
	assert.Equal(t, "shown", attrs["visible"].String())
	assert.Equal(t, "[redacted]", attrs["secret"].String())
	assert.Equal(t, int64(5), attrs["Untagged"].Int64())
	assert.NotContains(t, attrs, "Hidden")
	assert.NotContains(t, attrs, "-")
	assert.NotContains(t, attrs, "empty")
	assert.NotContains(t, attrs, "nil_ptr")
	assert.NotContains(t, attrs, "private")
	require.Contains(t, attrs, "nested")
	assert.Equal(t, slog.KindGroup, attrs["nested"].Kind())

	assert.Equal(t, slog.AnyValue(nil), structToSlogValue(nil))
	assert.Equal(t, slog.AnyValue(nil), structToSlogValue((*example)(nil)))
	assert.Equal(t, "plain", structToSlogValue("plain").String())
}

func TestContextLogger(t *testing.T) {
	_, ok := ContextLogger(context.Background())
	assert.False(t, ok)

	logger := slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil))
	got, ok := ContextLogger(WithLogger(context.Background(), logger))
	assert.True(t, ok)
	assert.Same(t, logger, got)

	got, ok = ContextLogger(WithLogger(context.Background(), nil))
	assert.True(t, ok)
	assert.NotNil(t, got)
}

func TestHandleRecover(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := slog.New(slog.NewJSONHandler(buf, nil))
	ctx := WithLogger(context.Background(), logger)

	for _, rc := range []any{errors.New("boom"), "kaboom", 42} {
		buf.Reset()
		handleRecover(ctx, rc)
		out := buf.String()
		assert.Contains(t, out, "recovered from panic")
		assert.Contains(t, out, "stack_trace")
	}
}
