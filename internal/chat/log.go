package chat

import "slices"

// Log is the message list of one chat, kept in arrival order, in which no
// two entries share an ID.
//
// A Log is a value: every method that changes it returns a new Log and
// leaves the receiver untouched. Slices handed out by Messages therefore
// stay valid after later appends.
type Log struct {
	msgs []Message
}

// NewLog builds a Log from msgs in order, dropping any later entry whose ID
// was already seen.
func NewLog(msgs ...Message) Log {
	out := make([]Message, 0, len(msgs))
	seen := make(map[string]struct{}, len(msgs))
	for _, m := range msgs {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return Log{msgs: out}
}

// Len returns the number of messages in the log.
func (l Log) Len() int { return len(l.msgs) }

// Messages returns the log contents oldest first. Callers must not modify
// the returned elements.
func (l Log) Messages() []Message {
	if l.msgs == nil {
		return []Message{}
	}
	return slices.Clip(l.msgs)
}

// Contains reports whether a message with the given ID is present.
func (l Log) Contains(id string) bool {
	return l.indexOf(id) >= 0
}

// Append adds m at the end of the log. It returns the receiver unchanged and
// false when an entry with the same ID already exists.
func (l Log) Append(m Message) (Log, bool) {
	if l.Contains(m.ID) {
		return l, false
	}
	out := make([]Message, len(l.msgs), len(l.msgs)+1)
	copy(out, l.msgs)
	return Log{msgs: append(out, m)}, true
}

// Replace swaps the entry identified by id for m, keeping its position. If m
// is already present elsewhere the entry is removed instead, so the result
// never holds two copies of m. A missing id falls back to Append.
func (l Log) Replace(id string, m Message) Log {
	i := l.indexOf(id)
	if i < 0 {
		out, _ := l.Append(m)
		return out
	}
	if m.ID != id && l.Contains(m.ID) {
		return l.Remove(id)
	}
	out := slices.Clone(l.msgs)
	out[i] = m
	return Log{msgs: out}
}

// Remove drops the entry with the given ID, if any.
func (l Log) Remove(id string) Log {
	i := l.indexOf(id)
	if i < 0 {
		return l
	}
	out := make([]Message, 0, len(l.msgs)-1)
	out = append(out, l.msgs[:i]...)
	out = append(out, l.msgs[i+1:]...)
	return Log{msgs: out}
}

// Merge returns history followed by every entry of l that history does not
// contain. It is used when a history fetch lands after live messages were
// already appended to the log.
func (l Log) Merge(history []Message) Log {
	merged := NewLog(history...)
	for _, m := range l.msgs {
		merged, _ = merged.Append(m)
	}
	return merged
}

func (l Log) indexOf(id string) int {
	for i := range l.msgs {
		if l.msgs[i].ID == id {
			return i
		}
	}
	return -1
}
