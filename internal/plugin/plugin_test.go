package plugin_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/serieslake-io/serieslake/internal/config"
	"github.com/serieslake-io/serieslake/internal/plugin"
)

func TestPlugin_Generic_CSV(t *testing.T) {
	t.Parallel()

	raw := []byte("﻿obs_time, value ,internal_series_code\n2025-03-01,10.5,ipc_core\n\n2025-04-01,11.2,ipc_core\n")
	p := &plugin.Generic{}

	recs, err := p.Parse(context.Background(), raw, plugin.Options{Format: "csv"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, plugin.Record{
		"obs_time":             "2025-03-01",
		"value":                "10.5",
		"internal_series_code": "ipc_core",
	}, recs[0])
	require.Equal(t, "11.2", recs[1]["value"])
}

func TestPlugin_Generic_CSV_DelimiterOption(t *testing.T) {
	t.Parallel()

	raw := []byte("obs_time;value\n2025-03-01;10,5\n")
	p := &plugin.Generic{}

	recs, err := p.Parse(context.Background(), raw, plugin.Options{
		Format: "csv",
		Extra:  map[string]any{"delimiter": ";"},
	})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, "10,5", recs[0]["value"])
}

func TestPlugin_Generic_JSON(t *testing.T) {
	t.Parallel()

	raw := []byte(`[
		{"obs_time": "2025-03-01T00:00:00Z", "value": 10.5, "internal_series_code": "fx", "note": null},
		{"obs_time": "2025-03-02T00:00:00Z", "value": 11, "internal_series_code": "fx", "active": true}
	]`)
	p := &plugin.Generic{}

	recs, err := p.Parse(context.Background(), raw, plugin.Options{Format: "json"})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "10.5", recs[0]["value"])
	require.Equal(t, "", recs[0]["note"])
	require.Equal(t, "11", recs[1]["value"])
	require.Equal(t, "true", recs[1]["active"])
}

func TestPlugin_Generic_SniffsJSONWithoutFormat(t *testing.T) {
	t.Parallel()

	raw := []byte(`  [{"obs_time": "2025-03-01", "value": 1}]`)
	p := &plugin.Generic{}

	recs, err := p.Parse(context.Background(), raw, plugin.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
}

func TestPlugin_Generic_RejectsUnknownFormat(t *testing.T) {
	t.Parallel()

	p := &plugin.Generic{}
	_, err := p.Parse(context.Background(), []byte("x"), plugin.Options{Format: "parquet"})
	require.ErrorIs(t, err, plugin.ErrParse)
}

func TestPlugin_XLSX_HeaderAndSkipRows(t *testing.T) {
	t.Parallel()

	f := excelize.NewFile()
	sheet := "Datos"
	_, err := f.NewSheet(sheet)
	require.NoError(t, err)
	// Two banner rows above the header, as statistical agency workbooks have.
	require.NoError(t, f.SetCellValue(sheet, "A1", "Indice de Precios"))
	require.NoError(t, f.SetCellValue(sheet, "A2", "Base 2016"))
	require.NoError(t, f.SetCellValue(sheet, "A3", "obs_time"))
	require.NoError(t, f.SetCellValue(sheet, "B3", "value"))
	require.NoError(t, f.SetCellValue(sheet, "A4", "2025-03-01"))
	require.NoError(t, f.SetCellValue(sheet, "B4", 182.4))
	require.NoError(t, f.SetCellValue(sheet, "A5", "2025-04-01"))
	require.NoError(t, f.SetCellValue(sheet, "B5", 185.1))

	buf, err := f.WriteToBuffer()
	require.NoError(t, err)
	require.NoError(t, f.Close())

	p := &plugin.XLSX{}
	recs, err := p.Parse(context.Background(), buf.Bytes(), plugin.Options{
		Format: "xlsx",
		Extra:  map[string]any{"sheet": sheet, "skip_rows": 2},
	})
	require.NoError(t, err)
	require.Len(t, recs, 2)
	require.Equal(t, "2025-03-01", recs[0]["obs_time"])
	require.Equal(t, "182.4", recs[0]["value"])
	require.Equal(t, "185.1", recs[1]["value"])
}

func TestPlugin_XLSX_RejectsGarbage(t *testing.T) {
	t.Parallel()

	p := &plugin.XLSX{}
	_, err := p.Parse(context.Background(), []byte("not a workbook"), plugin.Options{Format: "xlsx"})
	require.ErrorIs(t, err, plugin.ErrParse)
}

func TestPlugin_Normalize_RenamesSeriesAndTimezone(t *testing.T) {
	t.Parallel()

	recs := []plugin.Record{
		{"fecha": "2025-03-01", "valor": "10.5", "serie": "ipc_core"},
		{"fecha": "2025-03-02T12:00:00Z", "valor": "11.2", "serie": "ipc_core"},
	}
	spec := plugin.NormalizeSpec{
		Timezone:     "America/Argentina/Buenos_Aires",
		SeriesColumn: "serie",
		Renames:      map[string]string{"fecha": "obs_time", "valor": "value"},
	}

	n := plugin.NewRegistry(nil).Normalizer()
	rows, err := n.Normalize(context.Background(), recs, spec)
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Naive date interpreted at -03:00 lands at 03:00 UTC.
	require.Equal(t, time.Date(2025, 3, 1, 3, 0, 0, 0, time.UTC), rows[0].ObsTime)
	require.Equal(t, 10.5, rows[0].Value)
	require.Equal(t, "ipc_core", rows[0].SeriesCode)

	// Zoned stamps keep their instant.
	require.Equal(t, time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC), rows[1].ObsTime)
}

func TestPlugin_Normalize_DropsUnparseableRows(t *testing.T) {
	t.Parallel()

	recs := []plugin.Record{
		{"obs_time": "2025-03-01", "value": "10.5"},
		{"obs_time": "", "value": "11"},
		{"obs_time": "2025-03-03", "value": "n/a"},
		{"obs_time": "not a date", "value": "12"},
	}

	n := plugin.NewRegistry(nil).Normalizer()
	rows, err := n.Normalize(context.Background(), recs, plugin.NormalizeSpec{})
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, 10.5, rows[0].Value)
}

func TestPlugin_Normalize_UnknownTimezone(t *testing.T) {
	t.Parallel()

	n := plugin.NewRegistry(nil).Normalizer()
	_, err := n.Normalize(context.Background(), nil, plugin.NormalizeSpec{Timezone: "Mars/Olympus"})
	require.ErrorIs(t, err, plugin.ErrNormalize)
}

func TestPlugin_ParseValue(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "10.5", want: 10.5},
		{in: " -3.25 ", want: -3.25},
		{in: "10,5", want: 10.5},
		{in: "1.234,56", want: 1234.56},
		{in: "1e3", want: 1000},
		{in: "", wantErr: true},
		{in: "n/a", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := plugin.ParseValue(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestPlugin_Registry_UnknownParser(t *testing.T) {
	t.Parallel()

	r := plugin.NewRegistry(nil)
	_, err := r.Parser("indec_ipc")
	require.ErrorIs(t, err, plugin.ErrUnknownPlugin)

	p, err := r.Parser("generic")
	require.NoError(t, err)
	require.NotNil(t, p)
}

func TestPlugin_Registry_CheckDatasets(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	good := `id: fx_usd
source:
  kind: http
  url: https://example.com/fx.csv
  format: csv
primary_keys: [internal_series_code, obs_time]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fx_usd.yaml"), []byte(good), 0o644))

	datasets, err := config.LoadRegistry(dir)
	require.NoError(t, err)

	r := plugin.NewRegistry(nil)
	require.NoError(t, r.CheckDatasets(datasets))

	bad := `id: ipc
source:
  kind: http
  url: https://example.com/ipc.xlsx
  format: xlsx
parser:
  plugin: indec_ipc
primary_keys: [internal_series_code, obs_time]
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ipc.yaml"), []byte(bad), 0o644))

	datasets, err = config.LoadRegistry(dir)
	require.NoError(t, err)
	require.ErrorIs(t, r.CheckDatasets(datasets), plugin.ErrUnknownPlugin)

	// Registering the custom parser clears the failure.
	r.RegisterParser("indec_ipc", &plugin.Generic{})
	require.NoError(t, r.CheckDatasets(datasets))
}
