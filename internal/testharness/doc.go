// Package testharness provides an in-process tool host and a scripted model
// server. Both speak the real wire protocols over httptest listeners, so the
// loop under test runs unmodified against them. The tool host's outputs are
// deterministic; the model server replays a fixed sequence of turns.
package testharness
