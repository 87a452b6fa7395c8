package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dop251/goja"
)

func newConsole(vm *goja.Runtime, logger *slog.Logger) *goja.Object {
	c := vm.NewObject()
	for name, level := range map[string]slog.Level{
		"log":   slog.LevelInfo,
		"info":  slog.LevelInfo,
		"debug": slog.LevelDebug,
		"trace": slog.LevelDebug,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
	} {
		_ = c.Set(name, func(call goja.FunctionCall) goja.Value {
			logger.Log(context.Background(), level, formatArgs(call.Arguments), "source", "console."+name)
			return goja.Undefined()
		})
	}
	return c
}

func formatArgs(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, formatValue(a))
	}
	return strings.Join(parts, " ")
}

func formatValue(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}
	switch x := v.Export().(type) {
	case string:
		return x
	case map[string]any, []any:
		if data, err := json.Marshal(x); err == nil {
			return string(data)
		}
	case nil:
		return "null"
	default:
		if obj, ok := v.(*goja.Object); ok && obj.ClassName() == "Error" {
			return v.String()
		}
		return fmt.Sprint(x)
	}
	return v.String()
}
