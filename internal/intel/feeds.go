package intel

import (
	"bufio"
	"compress/gzip"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// KEVCatalog is the subset of the CISA Known Exploited Vulnerabilities
// catalog JSON that enrichment uses.
type KEVCatalog struct {
	CatalogVersion  string `json:"catalogVersion"`
	DateReleased    string `json:"dateReleased"`
	Vulnerabilities []struct {
		CVEID         string `json:"cveID"`
		VendorProject string `json:"vendorProject"`
		Product       string `json:"product"`
		DateAdded     string `json:"dateAdded"`
	} `json:"vulnerabilities"`
}

// ParseKEV reads a KEV catalog and returns the set of listed CVE ids.
func ParseKEV(r io.Reader) (map[string]bool, error) {
	var cat KEVCatalog
	if err := json.NewDecoder(r).Decode(&cat); err != nil {
		return nil, fmt.Errorf("decode KEV catalog: %w", err)
	}
	out := make(map[string]bool, len(cat.Vulnerabilities))
	for _, v := range cat.Vulnerabilities {
		if v.CVEID != "" {
			out[strings.ToUpper(v.CVEID)] = true
		}
	}
	return out, nil
}

// ParseEPSS reads an EPSS scores CSV ("cve,epss,percentile" with an optional
// leading "#model_version..." comment line). Gzip input is detected and
// decompressed.
func ParseEPSS(r io.Reader) (map[string]float64, error) {
	br := bufio.NewReader(r)
	if magic, err := br.Peek(2); err == nil && magic[0] == 0x1f && magic[1] == 0x8b {
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, fmt.Errorf("open EPSS gzip: %w", err)
		}
		defer zr.Close()
		br = bufio.NewReader(zr)
	}

	cr := csv.NewReader(br)
	cr.Comment = '#'
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err != nil {
		return nil, fmt.Errorf("read EPSS header: %w", err)
	}
	cveCol, epssCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(strings.ToLower(h)) {
		case "cve":
			cveCol = i
		case "epss":
			epssCol = i
		}
	}
	if cveCol < 0 || epssCol < 0 {
		return nil, fmt.Errorf("EPSS header %v lacks cve/epss columns", header)
	}

	out := make(map[string]float64)
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read EPSS line %d: %w", line, err)
		}
		if len(rec) <= cveCol || len(rec) <= epssCol {
			return nil, fmt.Errorf("EPSS line %d: short record", line)
		}
		score, err := strconv.ParseFloat(strings.TrimSpace(rec[epssCol]), 64)
		if err != nil {
			return nil, fmt.Errorf("EPSS line %d: bad score %q", line, rec[epssCol])
		}
		out[strings.ToUpper(strings.TrimSpace(rec[cveCol]))] = score
	}
	return out, nil
}
