package ipc

import (
	"fmt"
	"sort"
	"strings"
)

// Kind classifies a channel as request/response or push.
type Kind int

const (
	KindInvoke Kind = iota + 1
	KindEvent
)

func (k Kind) String() string {
	switch k {
	case KindInvoke:
		return "invoke"
	case KindEvent:
		return "event"
	default:
		return "unknown"
	}
}

// ParseKind parses the String form of a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "invoke":
		return KindInvoke, nil
	case "event":
		return KindEvent, nil
	default:
		return 0, fmt.Errorf("unknown channel kind %q", s)
	}
}

// Node is an element of a Namespace tree: a nested Namespace, an InvokeSpec
// or an EventSpec.
type Node interface {
	node()
}

// Namespace is a named group of nodes. Only Namespace values are recursed
// into when flattening; every other node is a leaf.
type Namespace map[string]Node

// InvokeSpec declares a request/response channel.
type InvokeSpec struct {
	Handler InvokeFunc
}

// EventSpec declares a subscribable push channel.
type EventSpec struct {
	Source EventFunc
}

func (Namespace) node()  {}
func (InvokeSpec) node() {}
func (EventSpec) node()  {}

// Invoke declares an invoke leaf. h may be nil in caller-side descriptors.
func Invoke(h InvokeFunc) InvokeSpec {
	return InvokeSpec{Handler: h}
}

// Event declares an event leaf. s may be nil in caller-side descriptors.
func Event(s EventFunc) EventSpec {
	return EventSpec{Source: s}
}

// Entry is one flattened channel.
type Entry struct {
	Channel string
	Kind    Kind
	Handler InvokeFunc
	Source  EventFunc
}

// ChannelInfo is the serializable form of an Entry.
type ChannelInfo struct {
	Channel string `json:"channel"`
	Kind    string `json:"kind"`
}

// Info returns the serializable form of e.
func (e Entry) Info() ChannelInfo {
	return ChannelInfo{Channel: e.Channel, Kind: e.Kind.String()}
}

// Flatten walks ns parent-first and returns every leaf as an Entry, sorted
// by channel name.
func Flatten(ns Namespace) ([]Entry, error) {
	var entries []Entry
	if err := flatten(ns, "", &entries); err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Channel < entries[j].Channel
	})
	return entries, nil
}

func flatten(ns Namespace, prefix string, out *[]Entry) error {
	for key, n := range ns {
		if err := validateKey(key); err != nil {
			return fmt.Errorf("%s: %w", joinChannel(prefix, key), err)
		}
		channel := joinChannel(prefix, key)

		switch v := n.(type) {
		case Namespace:
			if err := flatten(v, channel, out); err != nil {
				return err
			}
		case InvokeSpec:
			*out = append(*out, Entry{Channel: channel, Kind: KindInvoke, Handler: v.Handler})
		case EventSpec:
			*out = append(*out, Entry{Channel: channel, Kind: KindEvent, Source: v.Source})
		case nil:
			return fmt.Errorf("%s: nil node", channel)
		default:
			return fmt.Errorf("%s: unsupported node %T", channel, n)
		}
	}
	return nil
}

func validateKey(key string) error {
	switch {
	case key == "":
		return fmt.Errorf("empty key")
	case strings.Contains(key, "."):
		return fmt.Errorf("key %q contains '.'", key)
	case strings.Contains(key, "::"):
		return fmt.Errorf("key %q contains '::'", key)
	}
	return nil
}

func joinChannel(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "." + key
}

// Channels returns the sorted channel names of ns, ignoring invalid keys.
func (ns Namespace) Channels() []string {
	entries, err := Flatten(ns)
	if err != nil {
		return nil
	}
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Channel
	}
	return out
}

// Descriptor returns a copy of ns with every handler removed, suitable for
// building a caller-side API.
func Descriptor(ns Namespace) Namespace {
	out := make(Namespace, len(ns))
	for k, n := range ns {
		switch v := n.(type) {
		case Namespace:
			out[k] = Descriptor(v)
		case InvokeSpec:
			out[k] = Invoke(nil)
		case EventSpec:
			out[k] = Event(nil)
		}
	}
	return out
}

// Unflatten rebuilds a descriptor from a channel listing.
func Unflatten(infos []ChannelInfo) (Namespace, error) {
	root := Namespace{}
	for _, info := range infos {
		kind, err := ParseKind(info.Kind)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", info.Channel, err)
		}

		parts := strings.Split(info.Channel, ".")
		ns := root
		for _, p := range parts[:len(parts)-1] {
			child, ok := ns[p]
			if !ok {
				next := Namespace{}
				ns[p] = next
				ns = next
				continue
			}
			next, ok := child.(Namespace)
			if !ok {
				return nil, fmt.Errorf("%s: %q is a leaf", info.Channel, p)
			}
			ns = next
		}

		leaf := parts[len(parts)-1]
		if _, exists := ns[leaf]; exists {
			return nil, fmt.Errorf("%s: duplicate channel", info.Channel)
		}
		if kind == KindEvent {
			ns[leaf] = Event(nil)
		} else {
			ns[leaf] = Invoke(nil)
		}
	}

	if _, err := Flatten(root); err != nil {
		return nil, err
	}
	return root, nil
}
