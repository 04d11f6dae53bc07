// Package evaluation builds the environments predicates and runner
// parameters are evaluated against.
package evaluation

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/songzhibin97/workflow-fsm/types"
)

const (
	// KeyProperties holds the effective property view in a predicate environment.
	KeyProperties = "properties"
	// KeyState holds the state output of the last transition in a predicate environment.
	KeyState = "state"
	// KeyWorkflowID and KeyBestEffort are always present in masked runner input.
	KeyWorkflowID = "workflowId"
	KeyBestEffort = "bestEffort"
)

// SortProperties orders property rows by the sequence of the transition that
// produced them, then by key. Rows whose transition is absent from history sort first.
func SortProperties(history []*types.TransitionInstance, props []*types.InstanceProperty) {
	sequences := make(map[string]int, len(history))
	for _, h := range history {
		sequences[h.ID] = h.Sequence
	}
	sequenceOf := func(p *types.InstanceProperty) int {
		if s, ok := sequences[p.TransitionID]; ok {
			return s
		}
		return -1
	}
	sort.SliceStable(props, func(i, j int) bool {
		si, sj := sequenceOf(props[i]), sequenceOf(props[j])
		if si != sj {
			return si < sj
		}
		return props[i].Key < props[j].Key
	})
}

// effective returns, in sequence order, the row that currently holds each key.
func effective(history []*types.TransitionInstance, props []*types.InstanceProperty) []*types.InstanceProperty {
	sorted := append([]*types.InstanceProperty(nil), props...)
	SortProperties(history, sorted)

	last := make(map[string]int, len(sorted))
	for i, p := range sorted {
		last[p.Key] = i
	}
	out := sorted[:0]
	for i, p := range sorted {
		if last[p.Key] == i {
			out = append(out, p)
		}
	}
	return out
}

// Values returns the raw stored value of every property key, as written by
// the highest-sequence transition that set it.
func Values(history []*types.TransitionInstance, props []*types.InstanceProperty) map[string]string {
	rows := effective(history, props)
	out := make(map[string]string, len(rows))
	for _, p := range rows {
		out[p.Key] = p.Value
	}
	return out
}

// Properties materializes the effective property object. Values are decoded
// and path keys ("a.b", "a[0]") are folded back into nested maps and lists.
// When paths collide, the later write wins.
//
// A list that shrinks between transitions keeps its trailing elements, since
// rows are never deleted.
func Properties(history []*types.TransitionInstance, props []*types.InstanceProperty) map[string]interface{} {
	out := make(map[string]interface{})
	for _, p := range effective(history, props) {
		segs := parsePath(p.Key)
		if len(segs) == 0 || segs[0].index >= 0 {
			segs = []segment{{key: p.Key, index: -1}}
		}
		out = place(out, segs, Decode(p.Value)).(map[string]interface{})
	}
	return out
}

// Env builds the predicate environment {properties, state}.
func Env(properties map[string]interface{}, state map[string]interface{}) map[string]interface{} {
	if properties == nil {
		properties = map[string]interface{}{}
	}
	if state == nil {
		state = map[string]interface{}{}
	}
	return map[string]interface{}{
		KeyProperties: properties,
		KeyState:      state,
	}
}

// Mask restricts env to the fields accepted reports true for, then adds the
// workflow id and best-effort flag runner jobs always carry.
func Mask(env map[string]interface{}, accepted func(string) bool, workflowID string) map[string]interface{} {
	out := make(map[string]interface{}, len(env)+2)
	for k, v := range env {
		if accepted == nil || accepted(k) {
			out[k] = v
		}
	}
	out[KeyWorkflowID] = workflowID
	out[KeyBestEffort] = true
	return out
}

// Flatten turns a nested output object into property key/value pairs.
// Nested objects join with ".", list elements use "[i]", and every scalar is
// stored JSON encoded so Decode restores its type. Nil values are skipped.
func Flatten(in map[string]interface{}) map[string]string {
	out := make(map[string]string)
	for k, v := range in {
		flatten(out, k, v)
	}
	return out
}

func flatten(out map[string]string, prefix string, v interface{}) {
	switch value := v.(type) {
	case nil:
	case map[string]interface{}:
		for k, nested := range value {
			flatten(out, prefix+"."+k, nested)
		}
	case map[string]string:
		for k, nested := range value {
			out[prefix+"."+k] = encodeString(nested)
		}
	case []interface{}:
		for i, nested := range value {
			flatten(out, prefix+"["+strconv.Itoa(i)+"]", nested)
		}
	case []string:
		for i, nested := range value {
			out[prefix+"["+strconv.Itoa(i)+"]"] = encodeString(nested)
		}
	case string:
		out[prefix] = encodeString(value)
	case json.Number:
		out[prefix] = value.String()
	case json.Marshaler:
		flattenJSON(out, prefix, value)
	case fmt.Stringer:
		out[prefix] = encodeString(value.String())
	default:
		flattenJSON(out, prefix, value)
	}
}

// flattenJSON stores v through its JSON form, descending into objects and lists.
func flattenJSON(out map[string]string, prefix string, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		out[prefix] = encodeString(fmt.Sprint(v))
		return
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		out[prefix] = encodeString(fmt.Sprint(v))
		return
	}
	switch generic.(type) {
	case nil:
	case map[string]interface{}, []interface{}:
		flatten(out, prefix, generic)
	default:
		out[prefix] = string(data)
	}
}

func encodeString(s string) string {
	data, _ := json.Marshal(s)
	return string(data)
}

// Decode restores a stored property value. Integral numbers decode to int,
// other numbers to float64. Values that are not JSON are returned verbatim.
func Decode(raw string) interface{} {
	dec := json.NewDecoder(strings.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil || dec.More() {
		return raw
	}
	return normalize(v)
}

// Text renders a stored value the way property filters compare it.
func Text(raw string) string {
	switch v := Decode(raw).(type) {
	case string:
		return v
	case nil:
		return ""
	case int, float64, bool:
		return fmt.Sprint(v)
	default:
		return raw
	}
}

func normalize(v interface{}) interface{} {
	switch value := v.(type) {
	case json.Number:
		if n, err := strconv.ParseInt(value.String(), 10, 0); err == nil {
			return int(n)
		}
		f, err := value.Float64()
		if err != nil {
			return value.String()
		}
		return f
	case map[string]interface{}:
		for k, nested := range value {
			value[k] = normalize(nested)
		}
	case []interface{}:
		for i, nested := range value {
			value[i] = normalize(nested)
		}
	}
	return v
}

// segment is one step of a property path: a map key, or a list index when index >= 0.
type segment struct {
	key   string
	index int
}

func parsePath(path string) []segment {
	var segs []segment
	for _, part := range strings.Split(path, ".") {
		open := strings.IndexByte(part, '[')
		if open < 0 {
			segs = append(segs, segment{key: part, index: -1})
			continue
		}
		var indexes []segment
		for rest := part[open:]; rest != ""; {
			end := strings.IndexByte(rest, ']')
			if rest[0] != '[' || end < 0 {
				indexes = nil
				break
			}
			n, err := strconv.Atoi(rest[1:end])
			if err != nil || n < 0 {
				indexes = nil
				break
			}
			indexes = append(indexes, segment{index: n})
			rest = rest[end+1:]
		}
		if indexes == nil {
			segs = append(segs, segment{key: part, index: -1})
			continue
		}
		if open > 0 {
			segs = append(segs, segment{key: part[:open], index: -1})
		}
		segs = append(segs, indexes...)
	}
	return segs
}

// place sets value at segs below node and returns the possibly replaced node.
// A node of the wrong kind is replaced by an empty container.
func place(node interface{}, segs []segment, value interface{}) interface{} {
	if len(segs) == 0 {
		return value
	}
	s := segs[0]
	if s.index < 0 {
		m, ok := node.(map[string]interface{})
		if !ok {
			m = make(map[string]interface{})
		}
		m[s.key] = place(m[s.key], segs[1:], value)
		return m
	}
	list, _ := node.([]interface{})
	for len(list) <= s.index {
		list = append(list, nil)
	}
	list[s.index] = place(list[s.index], segs[1:], value)
	return list
}
