// Package parser extracts candidate hostnames from threat feed bodies.
//
// Every format reduces URLs to their hostname; normalization and validation
// of the result is left to admission.
package parser

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/antchfx/xmlquery"
	json "github.com/goccy/go-json"

	"github.com/JakeFAU/fqdn-intel/internal/intel"
)

const (
	rssLinkXPath  = "//*[local-name()='item']/*[local-name()='link']"
	atomLinkXPath = "//*[local-name()='entry']/*[local-name()='link']"
)

// jsonKeys are the object keys whose string values are taken from JSON feeds.
var jsonKeys = map[string]bool{
	"url":      true,
	"link":     true,
	"domain":   true,
	"fqdn":     true,
	"host":     true,
	"hostname": true,
}

// Parser implements intel.Parser for the supported feed formats.
type Parser struct{}

// New returns a Parser.
func New() Parser { return Parser{} }

var _ intel.Parser = Parser{}

// Parse dispatches on the feed format. Results keep first-seen order and
// carry no duplicates.
func (Parser) Parse(raw []byte, sourceType intel.FeedSourceType) ([]string, error) {
	var (
		hosts []string
		err   error
	)
	switch sourceType {
	case intel.SourceCSV:
		hosts, err = parseCSV(raw)
	case intel.SourceText:
		hosts, err = parseText(raw)
	case intel.SourceRSS:
		hosts, err = parseXML(raw)
	case intel.SourceJSON:
		hosts, err = parseJSON(raw)
	default:
		return nil, intel.Validationf("unsupported source type %q", sourceType)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s feed: %w", sourceType, err)
	}
	return dedupe(hosts), nil
}

// parseCSV takes the first column, or the third when only it holds a URL
// (URLhaus layout). Lines starting with '#' are comments.
func parseCSV(raw []byte) ([]string, error) {
	r := csv.NewReader(bytes.NewReader(raw))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	r.Comment = '#'
	r.TrimLeadingSpace = true

	var out []string
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			var perr *csv.ParseError
			if errors.As(err, &perr) {
				continue
			}
			return nil, err
		}
		if len(row) == 0 {
			continue
		}
		cell := strings.TrimSpace(row[0])
		if !isURL(cell) && len(row) > 2 && isURL(strings.TrimSpace(row[2])) {
			cell = strings.TrimSpace(row[2])
		}
		if h := hostOf(cell); h != "" {
			out = append(out, h)
		}
	}
}

// parseText takes one entry per line and understands hosts-file rows.
func parseText(raw []byte) ([]string, error) {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(raw))
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || line[0] == '#' || line[0] == '!' {
			continue
		}
		fields := strings.Fields(line)
		entry := fields[0]
		if len(fields) > 1 && isSinkhole(entry) {
			entry = fields[1]
		}
		if h := hostOf(entry); h != "" {
			out = append(out, h)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseXML reads RSS item links and Atom entry links.
func parseXML(raw []byte) ([]string, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	var out []string
	rss, err := xmlquery.QueryAll(doc, rssLinkXPath)
	if err != nil {
		return nil, err
	}
	for _, n := range rss {
		if h := hostOf(strings.TrimSpace(n.InnerText())); h != "" {
			out = append(out, h)
		}
	}
	atom, err := xmlquery.QueryAll(doc, atomLinkXPath)
	if err != nil {
		return nil, err
	}
	for _, n := range atom {
		href := n.SelectAttr("href")
		if href == "" {
			href = strings.TrimSpace(n.InnerText())
		}
		if h := hostOf(href); h != "" {
			out = append(out, h)
		}
	}
	return out, nil
}

// parseJSON walks any document shape and collects string values under
// well-known keys, plus bare strings in top-level arrays.
func parseJSON(raw []byte) ([]string, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	var out []string
	if arr, ok := doc.([]any); ok {
		for _, v := range arr {
			if s, ok := v.(string); ok {
				if h := hostOf(s); h != "" {
					out = append(out, h)
				}
			}
		}
	}
	walkJSON(doc, func(s string) {
		if h := hostOf(s); h != "" {
			out = append(out, h)
		}
	})
	return out, nil
}

func walkJSON(v any, visit func(string)) {
	switch t := v.(type) {
	case map[string]any:
		for k, child := range t {
			if s, ok := child.(string); ok && jsonKeys[strings.ToLower(k)] {
				visit(s)
				continue
			}
			walkJSON(child, visit)
		}
	case []any:
		for _, child := range t {
			walkJSON(child, visit)
		}
	}
}

func isURL(s string) bool {
	return strings.HasPrefix(strings.ToLower(s), "http")
}

// hostOf reduces s to a lowercase hostname; bare names pass through.
func hostOf(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if strings.Contains(s, "://") {
		u, err := url.Parse(s)
		if err != nil {
			return ""
		}
		return strings.ToLower(u.Hostname())
	}
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	if i := strings.LastIndexByte(s, ':'); i >= 0 && !strings.Contains(s[:i], ":") {
		s = s[:i]
	}
	return strings.ToLower(strings.TrimSuffix(s, "."))
}

func isSinkhole(addr string) bool {
	switch addr {
	case "0.0.0.0", "127.0.0.1", "::", "::1":
		return true
	}
	return false
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
