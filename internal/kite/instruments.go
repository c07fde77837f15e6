package kite

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/rewired-gh/circuitwatch/internal/logger"
	"github.com/rewired-gh/circuitwatch/internal/models"
	"github.com/shopspring/decimal"
)

// FetchInstrumentCatalog downloads the instrument dump for a segment (e.g. "NFO").
func (c *Client) FetchInstrumentCatalog(ctx context.Context, segment string) ([]models.Instrument, error) {
	resp, err := c.doRequest(ctx, "/instruments/"+segment, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch instruments: %w", err)
	}
	defer resp.Body.Close()

	instruments, skipped, err := ParseInstrumentsCSV(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to decode instruments: %w", err)
	}
	if skipped > 0 {
		logger.Debug("Skipped %d malformed instrument rows for segment %s", skipped, segment)
	}
	return instruments, nil
}

var requiredColumns = []string{"instrument_token", "tradingsymbol", "name", "expiry", "strike", "instrument_type", "exchange"}

// ParseInstrumentsCSV parses the broker's instrument dump. Rows that fail to
// parse are skipped and counted; a missing header column is an error.
func ParseInstrumentsCSV(r io.Reader) ([]models.Instrument, int, error) {
	cr := csv.NewReader(r)
	cr.ReuseRecord = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return []models.Instrument{}, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to read header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, h := range header {
		col[strings.TrimSpace(h)] = i
	}
	for _, name := range requiredColumns {
		if _, ok := col[name]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", name)
		}
	}
	field := func(rec []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	instruments := []models.Instrument{}
	skipped := 0
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			skipped++
			continue
		}

		inst, err := parseInstrument(rec, field)
		if err != nil {
			skipped++
			continue
		}
		instruments = append(instruments, inst)
	}
	return instruments, skipped, nil
}

func parseInstrument(rec []string, field func([]string, string) string) (models.Instrument, error) {
	token, err := strconv.ParseUint(field(rec, "instrument_token"), 10, 32)
	if err != nil {
		return models.Instrument{}, fmt.Errorf("bad token: %w", err)
	}

	inst := models.Instrument{
		Token:          uint32(token),
		Exchange:       field(rec, "exchange"),
		TradingSymbol:  field(rec, "tradingsymbol"),
		Underlying:     strings.ToUpper(field(rec, "name")),
		InstrumentType: field(rec, "instrument_type"),
	}

	if s := field(rec, "strike"); s != "" {
		strike, err := decimal.NewFromString(s)
		if err != nil {
			return models.Instrument{}, fmt.Errorf("bad strike: %w", err)
		}
		inst.Strike = strike
	}
	if s := field(rec, "expiry"); s != "" {
		expiry, err := time.Parse("2006-01-02", s)
		if err != nil {
			return models.Instrument{}, fmt.Errorf("bad expiry: %w", err)
		}
		inst.Expiry = expiry
	}
	if s := field(rec, "lot_size"); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			inst.LotSize = n
		}
	}

	if err := inst.Validate(); err != nil {
		return models.Instrument{}, err
	}
	return inst, nil
}
