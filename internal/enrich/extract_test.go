package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const serpFixture = `<!DOCTYPE html>
<html><head><title>golang - Google Search</title></head><body>
<div id="search">
  <div class="xpdopen"><div class="hgKElc">Go is an  open source
  programming language.</div></div>
  <div data-attrid="wa:/description">Go was designed at <b>Google</b> in 2007.</div>
  <div class="g">
    <a href="https://go.dev/"><h3>The Go Programming Language</h3></a>
  </div>
  <div class="g">
    <a href="https://en.wikipedia.org/wiki/Go_(programming_language)"><h3>Go (programming language)</h3></a>
  </div>
  <div class="g">
    <a href="https://go.dev/"><h3>The Go Programming Language</h3></a>
  </div>
  <a href="https://www.google.com/preferences"><h3>Settings</h3></a>
  <a href="https://maps.google.com/"><h3>Maps</h3></a>
  <a href="/search?q=golang&amp;start=10">Next</a>
</div>
</body></html>`

func TestParseFixture(t *testing.T) {
	x := NewSERPExtractor(time.Second)

	res, err := x.Parse(serpFixture)
	require.NoError(t, err)
	require.True(t, res.Ready)

	assert.Equal(t, "Go is an open source programming language.", res.Summary)
	assert.Equal(t, "Go was designed at Google in 2007.", res.Answer)
	// Duplicate and google-owned links filtered, order preserved.
	assert.Equal(t, []string{
		"https://go.dev/",
		"https://en.wikipedia.org/wiki/Go_(programming_language)",
	}, res.Items)
}

func TestParseNotReady(t *testing.T) {
	x := NewSERPExtractor(time.Second)

	res, err := x.Parse(`<html><body><div id="main">still loading</div></body></html>`)
	require.NoError(t, err)
	assert.False(t, res.Ready)
}

func TestParseEmptyResults(t *testing.T) {
	x := NewSERPExtractor(time.Second)

	res, err := x.Parse(`<html><body><div id="search"><p>No results found</p></div></body></html>`)
	require.NoError(t, err)
	assert.True(t, res.Ready)
	assert.Empty(t, res.Summary)
	assert.Empty(t, res.Items)
}

func TestValidateHTML(t *testing.T) {
	assert.Error(t, ValidateHTML(""))
	assert.NoError(t, ValidateHTML("<html></html>"))
}

func TestNormalizeWhitespace(t *testing.T) {
	assert.Equal(t, "a b c", NormalizeWhitespace("  a \n\t b   c  "))
	assert.Equal(t, "", NormalizeWhitespace("   "))
}

func TestDeduplicate(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, Deduplicate([]string{"a", "b", "a", "c", "b"}))
	assert.Empty(t, Deduplicate(nil))
}
