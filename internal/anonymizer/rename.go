package anonymizer

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

const renameTokenLen = 12

// RenameAttachment returns a random name for an attachment: 12 hex
// characters followed by the original extension, if any. Names are not
// cached, so the same input renames differently each time.
func RenameAttachment(name string) string {
	token := strings.ReplaceAll(uuid.New().String(), "-", "")[:renameTokenLen]
	base := path.Base(strings.ReplaceAll(name, `\`, "/"))
	dot := strings.LastIndexByte(base, '.')
	if dot < 0 || dot == len(base)-1 {
		return token
	}
	return token + base[dot:]
}
