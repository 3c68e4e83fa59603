package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubstitute(t *testing.T) {
	vars := map[string]string{
		"first_name": "Ada",
		"company":    "Acme",
	}

	assert.Equal(t, "Hi Ada, greetings from Acme!",
		Substitute("Hi {first_name}, greetings from {company}!", vars))

	// unknown keys vanish instead of leaking the raw placeholder
	assert.Equal(t, "Hi Ada, about ",
		Substitute("Hi {first_name}, about {job_title}", vars))

	// repeated placeholders are all replaced
	assert.Equal(t, "Ada Ada Ada",
		Substitute("{first_name} {first_name} {first_name}", vars))

	// literal braces that are not placeholders pass through
	assert.Equal(t, "css { color: red }",
		Substitute("css { color: red }", vars))

	assert.Equal(t, "", Substitute("", vars))
	assert.Equal(t, "plain text", Substitute("plain text", nil))
}
