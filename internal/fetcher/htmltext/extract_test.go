package htmltext

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExtract(t *testing.T) {
	t.Parallel()

	body := []byte(`<!doctype html><html><head>
<title>  Win a   Prize </title>
<meta name="description" content="Claim   now">
<style>body{color:red}</style>
</head><body><h1>Hello</h1>
<script>var x = "hidden";</script>
<p>Enter your
   password</p></body></html>`)

	doc := Extract(body)
	assert.Equal(t, "Win a Prize", doc.Title)
	assert.Equal(t, "Claim now", doc.Description)
	assert.Equal(t, "Hello Enter your password", doc.Text)
}

func TestExtractFallbacks(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Document{}, Extract([]byte("   ")))
	doc := Extract([]byte(`<html><head><meta property="og:title" content="OG"></head><body>x</body></html>`))
	assert.Equal(t, "OG", doc.Title)
	assert.Equal(t, "plain text body", Extract([]byte("plain   text\nbody")).Text)
}

func TestTruncate(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "abc", Truncate("abc", 10))
	assert.Equal(t, "ab", Truncate("abc", 2))
	assert.Equal(t, "h", Truncate("hé", 2), "never splits a rune")
	assert.Equal(t, "abc", Truncate("abc", 0))
}
