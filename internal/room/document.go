package room

// Document is the authoritative code snapshot of a room.
type Document struct {
	Code     string   `json:"code"`
	Language Language `json:"language"`
	Revision uint64   `json:"revision"`
}

const WelcomeCode = "// Welcome to secure collaborative coding!\n// This room is password protected\n\nconsole.log(\"Hello, secure world!\");"

func NewDocument() Document {
	return Document{Code: WelcomeCode, Language: DefaultLanguage}
}

// EditStrategy resolves an incoming full-text edit against the current code.
// Merging strategies (CRDT, OT) plug in here without changing the broker.
type EditStrategy interface {
	Merge(current, incoming string) (string, error)
}

type EditStrategyFunc func(current, incoming string) (string, error)

func (f EditStrategyFunc) Merge(current, incoming string) (string, error) {
	return f(current, incoming)
}

// LastWriteWins replaces the document with the most recent edit.
type LastWriteWins struct{}

func (LastWriteWins) Merge(_, incoming string) (string, error) {
	return incoming, nil
}
