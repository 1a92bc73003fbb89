// Package luaconfig reads an atomalloc.Config from a Lua table.
package luaconfig

import (
	"fmt"
	"time"

	"go.yuchanns.xyz/lua"

	"github.com/fklr/atomalloc"
)

// Global is the name of the table LoadFile looks up after running a script.
const Global = "atomalloc"

// Load reads the table at index on top of atomalloc.DefaultConfig. Absent
// keys keep their defaults; the effective values are written back into the
// table.
func Load(L *lua.State, index int) (atomalloc.Config, error) {
	cfg := atomalloc.DefaultConfig()
	if index < 0 {
		index = L.GetTop() + index + 1
	}
	if L.Type(index) != lua.LUA_TTABLE {
		return cfg, fmt.Errorf("config should be a table, got %s", L.TypeName(L.Type(index)))
	}
	var err error
	getUint := func(key string, opt uint64) uint64 {
		if err != nil {
			return opt
		}
		var v int
		v, err = configGetInit(L, index, key, int(opt))
		if err == nil && v < 0 {
			err = fmt.Errorf("%s should not be negative", key)
		}
		return uint64(v)
	}
	getInt := func(key string, opt int) int {
		if err != nil {
			return opt
		}
		var v int
		v, err = configGetInit(L, index, key, opt)
		return v
	}
	getBool := func(key string, opt bool) bool {
		if err != nil {
			return opt
		}
		var v bool
		v, err = configGetBool(L, index, key, opt)
		return v
	}

	cfg.MaxMemory = getUint("max_memory", cfg.MaxMemory)
	cfg.MaxBlockSize = getUint("max_block_size", cfg.MaxBlockSize)
	cfg.MinBlockSize = getUint("min_block_size", cfg.MinBlockSize)
	cfg.Alignment = getUint("alignment", cfg.Alignment)
	cfg.MaxCaches = getInt("max_caches", cfg.MaxCaches)
	cfg.InitialPoolSize = getUint("initial_pool_size", cfg.InitialPoolSize)
	cfg.ZeroOnDealloc = getBool("zero_on_dealloc", cfg.ZeroOnDealloc)
	cfg.HotCapacity = getInt("hot_capacity", cfg.HotCapacity)
	cfg.FreeListCapacity = getInt("free_list_capacity", cfg.FreeListCapacity)
	cfg.RetryBudget = getInt("retry_budget", cfg.RetryBudget)
	cfg.RejectOversized = getBool("reject_oversized", cfg.RejectOversized)
	if err != nil {
		return cfg, err
	}
	if cfg.CacheTTL, err = configGetDuration(L, index, "cache_ttl", cfg.CacheTTL); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	L.PushInteger(int64(cfg.MaxMemory))
	L.SetField(index, "max_memory")
	L.PushInteger(int64(cfg.MaxBlockSize))
	L.SetField(index, "max_block_size")
	L.PushInteger(int64(cfg.MinBlockSize))
	L.SetField(index, "min_block_size")
	return cfg, nil
}

// LoadFile runs a Lua script in a fresh state of lib and loads the global
// table named Global.
func LoadFile(lib *lua.Lib, path string) (atomalloc.Config, error) {
	L, err := lib.NewState()
	if err != nil {
		return atomalloc.Config{}, err
	}
	defer L.Close()
	L.OpenLibs()

	if err := L.DoFile(path); err != nil {
		return atomalloc.Config{}, fmt.Errorf("run %s: %w", path, err)
	}
	L.GetGlobal(Global)
	return Load(L, L.GetTop())
}

func configGetInit(L *lua.State, index int, key string, opt int) (int, error) {
	L.GetField(index, key)
	defer L.Pop(1)
	if L.Type(-1) == lua.LUA_TNIL {
		return opt, nil
	}
	if !L.IsInteger(-1) {
		return opt, fmt.Errorf("%s should be an integer", key)
	}
	return int(L.ToInteger(-1)), nil
}

func configGetBool(L *lua.State, index int, key string, opt bool) (bool, error) {
	L.GetField(index, key)
	defer L.Pop(1)
	switch L.Type(-1) {
	case lua.LUA_TNIL:
		return opt, nil
	case lua.LUA_TBOOLEAN:
		return L.ToBoolean(-1), nil
	}
	return opt, fmt.Errorf("%s should be a boolean", key)
}

// configGetDuration accepts seconds as a number or a Go duration string.
func configGetDuration(L *lua.State, index int, key string, opt time.Duration) (time.Duration, error) {
	L.GetField(index, key)
	defer L.Pop(1)
	switch L.Type(-1) {
	case lua.LUA_TNIL:
		return opt, nil
	case lua.LUA_TNUMBER:
		return time.Duration(L.ToNumber(-1) * float64(time.Second)), nil
	case lua.LUA_TSTRING:
		d, err := time.ParseDuration(L.ToString(-1))
		if err != nil {
			return opt, fmt.Errorf("%s: %w", key, err)
		}
		return d, nil
	}
	return opt, fmt.Errorf("%s should be a number of seconds or a duration string", key)
}
