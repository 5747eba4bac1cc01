package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsQuotaExceededMatchesKnownPhrases(t *testing.T) {
	cases := []struct {
		text    string
		matched bool
	}{
		{"", false},
		{"everything is fine", false},
		{"Error: Quota Exceeded for this billing period", true},
		{"RATE LIMIT EXCEEDED, try again later", true},
		{"insufficient quota on this account", true},
	}
	for _, c := range cases {
		matched, _ := IsQuotaExceeded(c.text)
		assert.Equal(t, c.matched, matched, c.text)
	}
}

func TestIsQuotaExceededReturnsMatchedKeyword(t *testing.T) {
	_, kw := IsQuotaExceeded("we hit our billing quota today")
	assert.Equal(t, "billing quota", kw)
}
