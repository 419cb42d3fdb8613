// Command readability_extract strips boilerplate from an HTML document and
// returns the main article content. JSON on stdin, JSON on stdout.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"

	readability "github.com/go-shiori/go-readability"
)

type input struct {
	HTML    string `json:"html"`
	BaseURL string `json:"base_url"`
}

type output struct {
	Title       string `json:"title"`
	Byline      string `json:"byline,omitempty"`
	Text        string `json:"text"`
	ContentHTML string `json:"content_html"`
	Length      int    `json:"length"`
}

const maxHTMLBytes = 5 << 20 // 5 MiB

func main() {
	if err := run(); err != nil {
		msg := strings.ReplaceAll(err.Error(), "\n", " ")
		fmt.Fprintf(os.Stderr, "{\"error\":%q}\n", msg)
		os.Exit(1)
	}
}

func run() error {
	var in input
	dec := json.NewDecoder(bufio.NewReader(os.Stdin))
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	if strings.TrimSpace(in.HTML) == "" {
		return errors.New("html is required")
	}
	if len(in.HTML) > maxHTMLBytes {
		return fmt.Errorf("html too large: limit %d bytes", maxHTMLBytes)
	}
	if strings.TrimSpace(in.BaseURL) == "" {
		return errors.New("base_url is required")
	}
	base, err := url.Parse(in.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return errors.New("base_url must be an absolute URL")
	}

	article, err := readability.FromReader(strings.NewReader(in.HTML), base)
	if err != nil {
		return fmt.Errorf("readability extract: %w", err)
	}

	out := output{
		Title:       article.Title,
		Byline:      article.Byline,
		Text:        article.TextContent,
		ContentHTML: article.Content,
		Length:      article.Length,
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	return enc.Encode(out)
}
