package common

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	cdpruntime "github.com/chromedp/cdproto/runtime"
)

// valueFromRemoteObject converts a protocol remote object, returned by
// value, into a Go value. Unserializable numbers come back as the float
// they denote; big ints as int64.
func valueFromRemoteObject(remoteObject *cdpruntime.RemoteObject) (any, error) {
	if remoteObject.UnserializableValue != "" {
		return parseUnserializableValue(remoteObject.UnserializableValue)
	}
	if remoteObject.Type == cdpruntime.TypeUndefined || remoteObject.Value == nil {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(remoteObject.Value, &v); err != nil {
		return nil, fmt.Errorf("parsing remote object value %q: %w", remoteObject.Value, err)
	}
	return v, nil
}

func parseUnserializableValue(uv cdpruntime.UnserializableValue) (any, error) {
	switch uv.String() {
	case "-0":
		return math.Copysign(0, -1), nil
	case "Infinity":
		return math.Inf(1), nil
	case "-Infinity":
		return math.Inf(-1), nil
	case "NaN":
		return math.NaN(), nil
	}
	if s := uv.String(); strings.HasSuffix(s, "n") {
		i, err := strconv.ParseInt(strings.TrimSuffix(s, "n"), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing bigint %q: %w", s, err)
		}
		return i, nil
	}
	return nil, fmt.Errorf("unknown unserializable value: %q", uv)
}
