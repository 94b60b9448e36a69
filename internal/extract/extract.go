// Package extract walks a paginated results view and harvests its rows.
package extract

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"banksync-backend/internal/assert"
	"banksync-backend/internal/chrono"
	"banksync-backend/internal/domain"
	"banksync-backend/internal/driver"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"
)

const (
	report_extract_first_page = "extract.first-page"
	report_extract_page_cap   = "extract.page-cap"
	report_extract_rows       = "extract.rows"
	report_extract_paginate   = "extract.paginate"
)

const DefaultMaxPages = 200

type Config struct {
	TableSelector string
	NextControl   string
	// PageTimeout bounds every wait for the results table.
	PageTimeout time.Duration
	// MaxPages stops extraction even if pages keep changing.
	MaxPages int
	// RowKey identifies a row for the "did the page advance" check, it
	// defaults to all of the row's cells.
	RowKey func(domain.RawRow) string
}

func JoinCells(row domain.RawRow) string {
	return strings.Join(row.Cells, "\x1f")
}

type Engine struct {
	cfg   Config
	clock chrono.TimeAPI
	tel   telemetry.API
}

func New(cfg Config, clock chrono.TimeAPI, tel telemetry.API) Engine {
	assert.NotEmptyStr(cfg.TableSelector, "table selector")
	assert.NotNil(clock, "clock")
	assert.NotNil(tel, "telemetry")

	if cfg.PageTimeout <= 0 {
		cfg.PageTimeout = 30 * time.Second
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = DefaultMaxPages
	}
	if cfg.RowKey == nil {
		cfg.RowKey = JoinCells
	}
	return Engine{
		cfg:   cfg,
		clock: clock,
		tel:   telemetry.NewScopedAPI("extract", tel),
	}
}

// Result is everything harvested by Run, Pages counts pages read.
type Result struct {
	Rows  []domain.RawRow
	Pages int
}

// endOfData reports whether err only means "there is nothing further to read".
func endOfData(err error) bool {
	return errors.Is(err, fault.ErrControlUnavailable) || errors.Is(err, fault.ErrTimeout)
}

// Run reads every page of the results view currently shown on page.
//
// The results table missing on the first page is an error. Later pages end
// extraction quietly when the next control is absent or disabled, when the
// table stops appearing, when a page is empty, or when a page's first row was
// already the first row of an earlier page. A DriverFatal error is returned together
// with the rows harvested before it so they can still be stored.
func (e Engine) Run(ctx context.Context, page driver.Page) (Result, error) {
	var out Result

	if !page.WaitFor(ctx, e.cfg.TableSelector, e.cfg.PageTimeout) {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		err := fault.New(fault.TransientUI, "extract.first-page", fmt.Errorf("%s: %w", e.cfg.TableSelector, fault.ErrTimeout))
		e.tel.ReportWarning(report_extract_first_page, err, page.URL())
		return out, err
	}

	seenFirst := map[string]bool{}
	for index := 0; index < e.cfg.MaxPages; index++ {
		if index > 0 && !page.WaitFor(ctx, e.cfg.TableSelector, e.cfg.PageTimeout) {
			break
		}

		rows, err := page.ReadRows(ctx, e.cfg.TableSelector)
		if err != nil {
			if fault.Is(err, fault.DriverFatal) || ctx.Err() != nil {
				return out, err
			}
			if index == 0 {
				return out, err
			}
			break
		}
		if len(rows) == 0 {
			break
		}

		first := e.cfg.RowKey(rows[0])
		if seenFirst[first] {
			e.tel.ReportDebug(report_extract_paginate, "pagination did not advance", index)
			break
		}
		seenFirst[first] = true

		now := e.clock.Now()
		for i := range rows {
			rows[i].PageIndex = index
			rows[i].CapturedAt = now
		}
		out.Rows = append(out.Rows, rows...)
		out.Pages++

		if e.cfg.NextControl == "" {
			break
		}
		err = page.Click(ctx, e.cfg.NextControl)
		if err == nil {
			if index == e.cfg.MaxPages-1 {
				e.tel.ReportWarning(report_extract_page_cap, e.cfg.MaxPages, page.URL())
			}
			continue
		}
		if fault.Is(err, fault.DriverFatal) || ctx.Err() != nil {
			return out, err
		}
		if !endOfData(err) {
			e.tel.ReportDebug(report_extract_paginate, "next control failed, treating as end of data", err)
		}
		break
	}

	e.tel.ReportCount(report_extract_rows, int64(len(out.Rows)))
	return out, nil
}
