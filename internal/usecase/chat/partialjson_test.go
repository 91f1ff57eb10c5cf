package chat

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompleteJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"complete", `{"a":1}`, `{"a":1}`},
		{"open object", `{`, `{}`},
		{"open string value", `{"code": "print(1`, `{"code": "print(1"}`},
		{"dangling key", `{"co`, `{"co":null}`},
		{"closed key", `{"code"`, `{"code":null}`},
		{"dangling colon", `{"code":`, `{"code":null}`},
		{"dangling comma", `{"a":"x",`, `{"a":"x"}`},
		{"partial literal", `{"a":tr`, `{"a":null}`},
		{"partial number kept", `{"a":12`, `{"a":12}`},
		{"nested", `{"a":[1,{"b":"c`, `{"a":[1,{"b":"c"}]}`},
		{"dangling backslash", `{"a":"x\`, `{"a":"x"}`},
		{"partial unicode", `{"a":"x\u00`, `{"a":"x"}`},
		{"lone high surrogate", `{"a":"x\ud83d`, `{"a":"x"}`},
		{"upper case high surrogate", `{"a":"x\uD83D`, `{"a":"x"}`},
		{"full surrogate pair", `{"a":"x\ud83d\ude00`, `{"a":"x\ud83d\ude00"}`},
		{"escaped backslash before u", `{"a":"x\\ud83d`, `{"a":"x\\ud83d"}`},
		{"escaped quote", `{"a":"say \"hi`, `{"a":"say \"hi"}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := completeJSON(tt.in)
			assert.Equal(t, tt.want, got)
			assert.True(t, json.Valid([]byte(got)), "invalid JSON: %s", got)
		})
	}
}

func TestStringArgument(t *testing.T) {
	v, ok := stringArgument(`{"language":"shell","code":"ec`, "code")
	assert.True(t, ok)
	assert.Equal(t, "ec", v)

	v, ok = stringArgument(`{"language":"shell","code":"ec`, "language")
	assert.True(t, ok)
	assert.Equal(t, "shell", v)

	_, ok = stringArgument(`{"code":`, "code")
	assert.False(t, ok)

	_, ok = stringArgument(`print(1)`, "code")
	assert.False(t, ok)
}

func TestIsStructured(t *testing.T) {
	assert.True(t, isStructured(`  {"code":`))
	assert.False(t, isStructured(`print({})`))
	assert.False(t, isStructured(``))
}
