package testharness

import (
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/kotaroba/toolloop/internal/protocol"
	"github.com/kotaroba/toolloop/internal/registry"
)

type weatherInput struct {
	City string `json:"city" jsonschema:"description=City name to look up"`
	Unit string `json:"unit,omitempty" jsonschema:"description=Temperature unit: metric or imperial"`
}

type weatherOutput struct {
	City string  `json:"city"`
	Temp float64 `json:"temp"`
	Desc string  `json:"desc"`
	Unit string  `json:"unit"`
}

type calcInput struct {
	Expression string `json:"expression" jsonschema:"description=Arithmetic expression like 2 + 2"`
}

type calcOutput struct {
	Expression string  `json:"expression"`
	Result     float64 `json:"result"`
}

// Known cities with fixed conditions; anything else gets hash-derived ones.
var knownWeather = map[string]weatherOutput{
	"Tokyo":    {Temp: 15.5, Desc: "cloudy"},
	"London":   {Temp: 11.0, Desc: "rainy"},
	"New York": {Temp: 18.2, Desc: "sunny"},
}

var weatherDescs = []string{"sunny", "cloudy", "rainy", "windy", "foggy"}

// ToolHost serves the registry endpoint and two deterministic tools,
// get_weather and calculate, over a local listener.
type ToolHost struct {
	server  *httptest.Server
	schemas map[string]*jsonschema.Schema

	mu    sync.Mutex
	calls map[string]int
}

// NewToolHost starts the host. Callers must Close it.
func NewToolHost() *ToolHost {
	h := &ToolHost{
		schemas: map[string]*jsonschema.Schema{
			"get_weather": jsonschema.MustCompileString("get_weather.schema.json", string(protocol.GenerateSchema[weatherInput]())),
			"calculate":   jsonschema.MustCompileString("calculate.schema.json", string(protocol.GenerateSchema[calcInput]())),
		},
		calls: map[string]int{},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			writeJSON(w, http.StatusNotFound, map[string]any{"error": "not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	mux.HandleFunc("/tools", h.handleRegistry)
	mux.HandleFunc("/tools/", h.handleInvoke)

	h.server = httptest.NewServer(mux)
	return h
}

func (h *ToolHost) URL() string { return h.server.URL }
func (h *ToolHost) Close()      { h.server.Close() }

// Calls reports how many invocations the named tool has received. Used to
// assert that guarded paths never reach the network.
func (h *ToolHost) Calls(tool string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[tool]
}

// Descriptors returns the catalog entries the host publishes, for tests that
// build a catalog without fetching.
func (h *ToolHost) Descriptors() []registry.Descriptor {
	return []registry.Descriptor{
		{
			Name:         "get_weather",
			Description:  "Returns current weather for a city.",
			HTTPMethod:   "POST",
			Path:         "/tools/get_weather",
			InputSchema:  protocol.GenerateSchema[weatherInput](),
			OutputSchema: protocol.GenerateSchema[weatherOutput](),
		},
		{
			Name:         "calculate",
			Description:  "Evaluates an arithmetic expression and returns the result.",
			HTTPMethod:   "POST",
			Path:         "/tools/calculate",
			InputSchema:  protocol.GenerateSchema[calcInput](),
			OutputSchema: protocol.GenerateSchema[calcOutput](),
		},
	}
}

// Catalog returns a ready-made catalog pointing at this host.
func (h *ToolHost) Catalog() *registry.Catalog {
	return registry.NewCatalog(h.URL(), h.Descriptors())
}

func (h *ToolHost) handleRegistry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}
	tools := h.Descriptors()
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools, "count": len(tools)})
}

func (h *ToolHost) handleInvoke(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimPrefix(r.URL.Path, "/tools/")
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]any{"error": "method not allowed"})
		return
	}

	h.mu.Lock()
	h.calls[name]++
	h.mu.Unlock()

	schema, known := h.schemas[name]
	if !known {
		writeJSON(w, http.StatusNotFound, map[string]any{"error": fmt.Sprintf("tool %q not found", name)})
		return
	}

	var doc any
	if err := json.NewDecoder(r.Body).Decode(&doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "body is not valid JSON", "details": err.Error()})
		return
	}
	if err := schema.Validate(doc); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": err.Error()})
		return
	}

	raw, _ := json.Marshal(doc)
	switch name {
	case "get_weather":
		var in weatherInput
		_ = json.Unmarshal(raw, &in)
		h.serveWeather(w, in)
	case "calculate":
		var in calcInput
		_ = json.Unmarshal(raw, &in)
		h.serveCalc(w, in)
	}
}

func (h *ToolHost) serveWeather(w http.ResponseWriter, in weatherInput) {
	unit := in.Unit
	if unit == "" {
		unit = "metric"
	}

	out, ok := knownWeather[in.City]
	if !ok {
		// Deterministic pseudo-random conditions derived from the city name.
		hash := fnv.New32a()
		hash.Write([]byte(in.City))
		sum := hash.Sum32()
		out = weatherOutput{
			Temp: float64(sum%300)/10.0 - 5.0,
			Desc: weatherDescs[sum%uint32(len(weatherDescs))],
		}
	}
	out.City = in.City
	out.Unit = unit
	if unit == "imperial" {
		out.Temp = out.Temp*9/5 + 32
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *ToolHost) serveCalc(w http.ResponseWriter, in calcInput) {
	result, err := evaluate(in.Expression)
	if err != nil {
		if strings.Contains(err.Error(), "division by zero") {
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"title":  "internal error",
				"detail": err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "validation failed", "details": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, calcOutput{Expression: in.Expression, Result: result})
}

// evaluate handles "a", "a op b" with + - * /. Anything else is rejected.
func evaluate(expr string) (float64, error) {
	fields := strings.Fields(expr)
	switch len(fields) {
	case 1:
		v, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return 0, fmt.Errorf("not a number: %q", fields[0])
		}
		return v, nil
	case 3:
		a, errA := strconv.ParseFloat(fields[0], 64)
		b, errB := strconv.ParseFloat(fields[2], 64)
		if errA != nil || errB != nil {
			return 0, fmt.Errorf("operands are not numbers in %q", expr)
		}
		switch fields[1] {
		case "+":
			return a + b, nil
		case "-":
			return a - b, nil
		case "*":
			return a * b, nil
		case "/":
			if b == 0 {
				return 0, fmt.Errorf("division by zero in %q", expr)
			}
			return a / b, nil
		default:
			return 0, fmt.Errorf("unsupported operator %q", fields[1])
		}
	default:
		return 0, fmt.Errorf("expression %q is not of the form <a> <op> <b>", expr)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
