package metadatastore

import "encoding/json"

// commandOp discriminates the two mutations the metadata log carries,
// mirroring WarrenFSM's op-string Command envelope.
type commandOp string

const (
	opPut    commandOp = "put"
	opDelete commandOp = "delete"
)

// command is one entry of the metadata store's raft log.
type command struct {
	Op           commandOp    `json:"op"`
	Key          string       `json:"key"`
	Value        []byte       `json:"value,omitempty"`
	Precondition Precondition `json:"precondition"`
}

func marshalCommand(c command) []byte {
	data, err := json.Marshal(c)
	if err != nil {
		panic(err)
	}
	return data
}

func unmarshalCommand(data []byte) (command, error) {
	var c command
	err := json.Unmarshal(data, &c)
	return c, err
}

// checkPrecondition evaluates pre against the key's current record
// (current, exists), returning ErrFailedPrecondition if it does not hold.
func checkPrecondition(pre Precondition, current Versioned, exists bool) error {
	switch pre.Kind {
	case PreconditionNone:
		return nil
	case PreconditionDoesNotExist:
		if exists {
			return ErrFailedPrecondition
		}
		return nil
	case PreconditionMatchesVersion:
		if !exists || current.Version != pre.Version {
			return ErrFailedPrecondition
		}
		return nil
	default:
		return ErrFailedPrecondition
	}
}
