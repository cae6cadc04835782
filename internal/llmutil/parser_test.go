// File: internal/llmutil/parser_test.go
package llmutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

func TestParseJSONResponse_RawObject(t *testing.T) {
	got, err := ParseJSONResponse[sample](`{"name":"alpha","count":2}`)
	require.NoError(t, err)
	assert.Equal(t, "alpha", got.Name)
	assert.Equal(t, 2, got.Count)
}

func TestParseJSONResponse_MarkdownFenced(t *testing.T) {
	response := "```json\n{\"name\":\"beta\",\"count\":7}\n```"
	got, err := ParseJSONResponse[sample](response)
	require.NoError(t, err)
	assert.Equal(t, "beta", got.Name)
	assert.Equal(t, 7, got.Count)
}

func TestParseJSONResponse_ConversationalPadding(t *testing.T) {
	response := `Sure, here is the result you asked for: {"name":"gamma","count":1} Hope that helps!`
	got, err := ParseJSONResponse[sample](response)
	require.NoError(t, err)
	assert.Equal(t, "gamma", got.Name)
}

func TestParseJSONResponse_Array(t *testing.T) {
	response := "```\n[{\"name\":\"a\",\"count\":1},{\"name\":\"b\",\"count\":2}]\n```"
	got, err := ParseJSONResponse[[]sample](response)
	require.NoError(t, err)
	require.Len(t, *got, 2)
	assert.Equal(t, "b", (*got)[1].Name)
}

func TestParseJSONResponse_Invalid(t *testing.T) {
	_, err := ParseJSONResponse[sample]("I could not produce JSON this time.")
	require.Error(t, err)
}

func TestCleanCodeOutput(t *testing.T) {
	assert.Equal(t, "const x = 1;", CleanCodeOutput("```js\nconst x = 1;\n```"))
	assert.Equal(t, "plain text", CleanCodeOutput("plain text"))
	assert.Equal(t, "func main() {}", CleanCodeOutput("```go\nfunc main() {}\n```"))
}
