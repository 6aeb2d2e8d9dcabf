// FILE: pairs.go
// Package main – Tradable pair lists.
//
// A pair file is newline-delimited, one symbol per line, in whatever notation
// the operator uses for that exchange ("BTC/USDT:USDT", "BTC-USD", "ETHUSDT").
// Blank lines and lines starting with '#' are skipped; duplicates are dropped.
package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
)

// PairList is an ordered, de-duplicated set of symbols. A nil or empty list
// allows every symbol.
type PairList struct {
	pairs []string
	index map[string]struct{}
}

// LoadPairs reads the pair file at path.
func LoadPairs(path string) (*PairList, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("pairs: %w", err)
	}
	defer f.Close()
	pl, err := ParsePairs(f)
	if err != nil {
		return nil, fmt.Errorf("pairs %s: %w", path, err)
	}
	return pl, nil
}

func ParsePairs(r io.Reader) (*PairList, error) {
	pl := &PairList{index: map[string]struct{}{}}
	s := bufio.NewScanner(r)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key := pairKey(line)
		if _, dup := pl.index[key]; dup {
			continue
		}
		pl.index[key] = struct{}{}
		pl.pairs = append(pl.pairs, line)
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return pl, nil
}

// pairKey compares symbols independent of separators and case.
func pairKey(symbol string) string { return compactSymbol(symbol, false) }

// All returns the pairs in file order.
func (p *PairList) All() []string {
	if p == nil {
		return []string{}
	}
	out := make([]string, len(p.pairs))
	copy(out, p.pairs)
	return out
}

func (p *PairList) Len() int {
	if p == nil {
		return 0
	}
	return len(p.pairs)
}

// Allows reports whether symbol may be chased.
func (p *PairList) Allows(symbol string) bool {
	if p.Len() == 0 {
		return true
	}
	_, ok := p.index[pairKey(symbol)]
	return ok
}
