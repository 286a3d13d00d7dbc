package policy

import (
	lua "github.com/yuin/gopher-lua"
)

// newSandboxedVM creates a gopher-lua VM with only the pure standard
// libraries and the nearby.* table.
func newSandboxedVM(selfName string) *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs:        true,
		CallStackSize:       64,
		RegistrySize:        1024,
		MinimizeStackMemory: true,
	})

	for _, lib := range []struct {
		name string
		fn   lua.LGFunction
	}{
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		L.Push(L.NewFunction(lib.fn))
		L.Push(lua.LString(lib.name))
		L.Call(1, 0)
	}

	// Remove dangerous globals
	for _, name := range []string{"dofile", "loadfile", "require", "load", "loadstring"} {
		L.SetGlobal(name, lua.LNil)
	}

	injectNearbyTable(L, selfName)
	return L
}

func injectNearbyTable(L *lua.LState, selfName string) {
	nearby := L.NewTable()

	selfTbl := L.NewTable()
	selfTbl.RawSetString("name", lua.LString(selfName))
	nearby.RawSetString("self", selfTbl)

	logTbl := L.NewTable()
	logTbl.RawSetString("info", L.NewFunction(logInfoFn))
	logTbl.RawSetString("warn", L.NewFunction(logWarnFn))
	nearby.RawSetString("log", logTbl)

	L.SetGlobal("nearby", nearby)
}

func logInfoFn(L *lua.LState) int {
	log.Infof("script: %s", L.CheckString(1))
	return 0
}

func logWarnFn(L *lua.LState) int {
	log.Warnf("script: %s", L.CheckString(1))
	return 0
}
