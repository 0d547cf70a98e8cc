// Package cwfs estimates wavefront aberrations from pairs of
// defocused star images using the transport of intensity equation.
package cwfs

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ParamFile holds "key value..." settings read from an instrument or
// algorithm parameter file. Lines starting with "#" are comments and
// "###" toggles block comments.
type ParamFile struct {
	path   string
	values map[string][]string
}

// LoadParamFile parses one parameter file.
func LoadParamFile(path string) (*ParamFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	p := &ParamFile{path: path, values: make(map[string][]string)}
	sc := bufio.NewScanner(f)
	inBlock := false
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if strings.HasPrefix(line, "###") {
			inBlock = !inBlock
			continue
		}
		if inBlock || line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return nil, fmt.Errorf("%s:%d: want \"key value\", got %q", path, lineNo, line)
		}
		p.values[fields[0]] = fields[1:]
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return p, nil
}

// Has reports whether the key is present.
func (p *ParamFile) Has(key string) bool {
	_, ok := p.values[key]
	return ok
}

// String returns the first value of a key.
func (p *ParamFile) String(key string) (string, error) {
	v, ok := p.values[key]
	if !ok {
		return "", fmt.Errorf("%s: missing parameter %q", p.path, key)
	}
	return v[0], nil
}

// Float returns the first value of a key as a float.
func (p *ParamFile) Float(key string) (float64, error) {
	s, err := p.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%s: parameter %q: %w", p.path, key, err)
	}
	return v, nil
}

// Int returns the first value of a key as an int.
func (p *ParamFile) Int(key string) (int, error) {
	s, err := p.String(key)
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%s: parameter %q: %w", p.path, key, err)
	}
	return v, nil
}
