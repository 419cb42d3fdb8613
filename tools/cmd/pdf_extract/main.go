// Command pdf_extract pulls plain text out of a base64-encoded PDF. JSON on
// stdin, JSON on stdout. An empty pages list means every page.
package main

import (
	"bufio"
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ledongthuc/pdf"
)

type input struct {
	PDFBase64 string `json:"pdf_base64"`
	Pages     []int  `json:"pages"` // 1-based page numbers
}

type pageOut struct {
	Index int    `json:"index"`
	Text  string `json:"text"`
}

type output struct {
	PageCount int       `json:"page_count"`
	Pages     []pageOut `json:"pages"`
}

const maxPDFSizeBytes = 20 * 1024 * 1024 // 20 MiB

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
	if strings.TrimSpace(in.PDFBase64) == "" {
		return errors.New("pdf_base64 is required")
	}
	data, err := base64.StdEncoding.DecodeString(in.PDFBase64)
	if err != nil {
		return fmt.Errorf("decode base64: %w", err)
	}
	if len(data) > maxPDFSizeBytes {
		return fmt.Errorf("pdf too large: %d bytes (limit %d)", len(data), maxPDFSizeBytes)
	}

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return fmt.Errorf("parse pdf: %w", err)
	}

	total := reader.NumPage()
	wanted := in.Pages
	if len(wanted) == 0 {
		for i := 1; i <= total; i++ {
			wanted = append(wanted, i)
		}
	}

	out := output{PageCount: total, Pages: make([]pageOut, 0, len(wanted))}
	for _, n := range wanted {
		if n < 1 || n > total {
			return fmt.Errorf("page %d out of range (1-%d)", n, total)
		}
		page := reader.Page(n)
		if page.V.IsNull() {
			out.Pages = append(out.Pages, pageOut{Index: n})
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return fmt.Errorf("extract page %d: %w", n, err)
		}
		out.Pages = append(out.Pages, pageOut{Index: n, Text: text})
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}
