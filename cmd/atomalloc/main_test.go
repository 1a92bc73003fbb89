package main

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/fklr/atomalloc"
)

const smallConfig = `
max_memory: 65536
max_block_size: 1024
min_block_size: 64
alignment: 8
initial_pool_size: 4096
max_caches: 16
cache_ttl: 10s
`

func TestConfigCommand(t *testing.T) {
	assert := require.New(t)

	writeConfig(t, smallConfig)
	out, err := captureOutput(t, runConfig)
	assert.NoError(err)
	assert.Contains(out, "max_memory: 65536")
	assert.Contains(out, "hot_capacity: 8")

	jsonOut = true
	out, err = captureOutput(t, runConfig)
	assert.NoError(err)
	var cfg atomalloc.Config
	assert.NoError(json.Unmarshal([]byte(out), &cfg))
	assert.Equal(uint64(65536), cfg.MaxMemory)
	assert.Equal(uint64(1024), cfg.MaxBlockSize)
}

func TestConfigCommandInvalid(t *testing.T) {
	assert := require.New(t)

	writeConfig(t, "min_block_size: 48\n")
	_, err := captureOutput(t, runConfig)
	assert.ErrorContains(err, "min_block_size")

	resetFlags(t)
	configPath = ""
	luaConfig = "config.lua"
	_, err = captureOutput(t, runConfig)
	assert.ErrorContains(err, "--lua-lib")
}

func TestStressCommand(t *testing.T) {
	assert := require.New(t)

	writeConfig(t, smallConfig)
	stressWorkers, stressCycles, stressHold, stressMaxSize = 4, 300, 4, 1500
	jsonOut = true

	out, err := captureOutput(t, func() error { return runStress(context.Background()) })
	assert.NoError(err)

	var report stressReport
	assert.NoError(json.Unmarshal([]byte(out), &report))
	assert.Equal(4, report.Workers)
	assert.Zero(report.Stats.BytesInUse)
	assert.Equal(report.Stats.Allocations, report.Stats.Deallocations)
	assert.Equal(uint64(4*300)-report.OOM, report.Stats.Allocations)
}

func TestStressCommandText(t *testing.T) {
	assert := require.New(t)

	writeConfig(t, smallConfig)
	stressWorkers, stressCycles, stressHold, stressMaxSize = 2, 50, 2, 0

	out, err := captureOutput(t, func() error { return runStress(context.Background()) })
	assert.NoError(err)
	assert.Contains(out, "Allocations:")
	assert.Contains(out, "Cache hits:")
}

func TestStressLeak(t *testing.T) {
	for _, asJSON := range []bool{false, true} {
		assert := require.New(t)

		resetFlags(t)
		jsonOut = asJSON
		report := stressReport{Workers: 1, Cycles: 1, Stats: atomalloc.Stats{BytesInUse: 64, Allocations: 1}}

		out, err := captureOutput(t, func() error { return finishStress(report) })
		assert.ErrorContains(err, "64 B still in use")
		if asJSON {
			var got stressReport
			assert.NoError(json.Unmarshal([]byte(out), &got))
			assert.Equal(uint64(64), got.Stats.BytesInUse)
		} else {
			assert.Contains(out, "Allocations:")
		}
	}
}

func TestVersionCommand(t *testing.T) {
	assert := require.New(t)

	resetFlags(t)
	out, err := captureOutput(t, runVersion)
	assert.NoError(err)
	assert.Contains(out, "atomalloc ")

	jsonOut = true
	out, err = captureOutput(t, runVersion)
	assert.NoError(err)
	var info versionInfo
	assert.NoError(json.Unmarshal([]byte(out), &info))
	assert.NotEmpty(info.Go)
}
