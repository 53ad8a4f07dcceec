package rewrite

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"slices"
	"strings"

	"golang.org/x/net/html"

	"github.com/hypothesis/viahtml/internal/model"
)

// IsFilterable reports whether a response body can be run through Filter:
// uncompressed HTML.
func IsFilterable(h http.Header) bool {
	if enc := strings.TrimSpace(h.Get("Content-Encoding")); enc != "" && !strings.EqualFold(enc, "identity") {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(h.Get("Content-Type"))
	if err != nil {
		return false
	}
	return mediaType == "text/html" || mediaType == "application/xhtml+xml"
}

// Filter copies the HTML document in r to w, passing every start tag
// through ModifyTagAttrs. Tags whose attributes are unchanged are copied
// byte for byte.
func (h *Hooks) Filter(rc *model.RequestContext, w io.Writer, r io.Reader) error {
	bw := bufio.NewWriter(w)
	z := html.NewTokenizer(r)

	for {
		tt := z.Next()
		if tt == html.ErrorToken {
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return fmt.Errorf("tokenize html: %w", err)
			}
			return bw.Flush()
		}

		raw := z.Raw()
		if tt != html.StartTagToken && tt != html.SelfClosingTagToken {
			if _, err := bw.Write(raw); err != nil {
				return err
			}
			continue
		}

		raw = slices.Clone(raw)
		tok := z.Token()
		res := h.ModifyTagAttrs(rc, tok.Data, tok.Attr)
		if slices.Equal(res.Attrs, tok.Attr) {
			if _, err := bw.Write(raw); err != nil {
				return err
			}
			continue
		}

		tok.Attr = res.Attrs
		if _, err := bw.WriteString(tok.String()); err != nil {
			return err
		}
	}
}

// FilterBody returns a reader that yields body after Filter. Closing the
// returned reader closes body.
func (h *Hooks) FilterBody(rc *model.RequestContext, body io.ReadCloser) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		err := h.Filter(rc, pw, body)
		pw.CloseWithError(err)
	}()
	return &filteredBody{PipeReader: pr, src: body}
}

type filteredBody struct {
	*io.PipeReader
	src io.Closer
}

func (b *filteredBody) Close() error {
	b.PipeReader.Close()
	return b.src.Close()
}
