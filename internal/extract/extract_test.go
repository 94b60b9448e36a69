package extract

import (
	"context"
	"fmt"
	"testing"
	"time"

	"banksync-backend/internal/chrono"
	"banksync-backend/internal/driver/drivertest"
	"banksync-backend/internal/fault"
	"banksync-backend/internal/telemetry"

	"github.com/stretchr/testify/require"
)

func pageScreen(n int, next string) *drivertest.Screen {
	return &drivertest.Screen{
		URL:      fmt.Sprintf("https://bank.test/movs?p=%d", n),
		Elements: map[string]string{"next": "Siguiente"},
		Tables: map[string][][]string{
			"#movs": {
				{fmt.Sprintf("op-%d-a", n), "01/03/2024", "1.000"},
				{fmt.Sprintf("op-%d-b", n), "01/03/2024", "2.000"},
			},
		},
		Transitions: map[string]string{"next": next},
	}
}

func newEngine() Engine {
	return New(Config{
		TableSelector: "#movs",
		NextControl:   "next",
		PageTimeout:   time.Second,
	}, chrono.NewFakeTime(time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)), telemetry.NewRecorder())
}

func TestStopsWhenPaginationRerendersFirstPage(t *testing.T) {
	// "next" never disables, after page 3 it shows page 1 again
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1": pageScreen(1, "p2"),
		"p2": pageScreen(2, "p3"),
		"p3": pageScreen(3, "p1"),
	})

	res, err := newEngine().Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Equal(t, 3, res.Pages)
	require.Len(t, res.Rows, 6)
	require.Equal(t, 2, res.Rows[5].PageIndex)
	require.Equal(t, "op-3-b", res.Rows[5].Cells[0])
	require.False(t, res.Rows[0].CapturedAt.IsZero())
}

func TestStopsWhenNextDoesNotAdvance(t *testing.T) {
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1": pageScreen(1, "p2"),
		"p2": pageScreen(2, "p2"),
	})
	tel := telemetry.NewRecorder()
	engine := New(Config{TableSelector: "#movs", NextControl: "next", PageTimeout: time.Second}, chrono.NewFakeTime(time.Now()), tel)

	res, err := engine.Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Equal(t, 2, res.Pages)
	require.Len(t, tel.Reports("debug", report_extract_paginate), 1)
}

func TestStopsWhenNextIsDisabled(t *testing.T) {
	last := pageScreen(2, "")
	last.Disabled = map[string]bool{"next": true}
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1": pageScreen(1, "p2"),
		"p2": last,
	})

	res, err := newEngine().Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Equal(t, 2, res.Pages)
	require.Len(t, res.Rows, 4)
}

func TestStopsOnEmptyPage(t *testing.T) {
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1":    pageScreen(1, "empty"),
		"empty": {Tables: map[string][][]string{"#movs": {}}, Elements: map[string]string{"next": ""}},
	})

	res, err := newEngine().Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
}

func TestMissingTableOnFirstPageFails(t *testing.T) {
	site := drivertest.NewSite("blank", map[string]*drivertest.Screen{
		"blank": {URL: "https://bank.test/home"},
	})

	_, err := newEngine().Run(context.Background(), site.NewPage())
	require.Error(t, err)
	require.ErrorIs(t, err, fault.ErrTimeout)
}

func TestMissingTableLaterIsEndOfData(t *testing.T) {
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1":    pageScreen(1, "blank"),
		"blank": {URL: "https://bank.test/movs?p=2"},
	})

	res, err := newEngine().Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
}

func TestDriverFatalKeepsPartialRows(t *testing.T) {
	broken := pageScreen(2, "")
	broken.Errors = map[string]error{"click:next": fault.New(fault.DriverFatal, "page.click", fault.ErrClosed)}
	site := drivertest.NewSite("p1", map[string]*drivertest.Screen{
		"p1": pageScreen(1, "p2"),
		"p2": broken,
	})

	res, err := newEngine().Run(context.Background(), site.NewPage())
	require.True(t, fault.Is(err, fault.DriverFatal))
	require.Len(t, res.Rows, 4)
}

func TestPageCap(t *testing.T) {
	screens := map[string]*drivertest.Screen{}
	for i := 1; i <= 10; i++ {
		screens[fmt.Sprintf("p%d", i)] = pageScreen(i, fmt.Sprintf("p%d", i+1))
	}
	site := drivertest.NewSite("p1", screens)

	engine := New(Config{TableSelector: "#movs", NextControl: "next", MaxPages: 4},
		chrono.NewFakeTime(time.Now()), telemetry.NewRecorder())
	res, err := engine.Run(context.Background(), site.NewPage())
	require.NoError(t, err)
	require.Equal(t, 4, res.Pages)
}
