package transport

import (
	"crypto/rand"

	"github.com/huddlelabs/huddle/internal/v1/types"
)

const participantIDAlphabet = "0123456789abcdefghijklmnopqrstuvwxyz"

// newParticipantID mints the opaque identity handed to a new session:
// "user-" plus nine random base36 characters. Identities are single-use
// and never recycled across reconnects.
func newParticipantID() types.ParticipantIDType {
	buf := make([]byte, 9)
	_, _ = rand.Read(buf)

	id := make([]byte, 0, len("user-")+len(buf))
	id = append(id, "user-"...)
	for _, b := range buf {
		id = append(id, participantIDAlphabet[int(b)%len(participantIDAlphabet)])
	}
	return types.ParticipantIDType(id)
}
