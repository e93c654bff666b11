package calls

import (
	"fmt"
	"strings"
)

// AnnouncementText builds the spoken sentence for an attempt (1-based).
// The output depends only on its inputs.
func AnnouncementText(patient, sector, requester string, attempt int) string {
	text := fmt.Sprintf("%s, por favor, dirija-se ao %s. Chamado por %s.",
		normalizeName(patient), normalizeName(sector), normalizeName(requester))
	if attempt > 1 {
		text += fmt.Sprintf(" Chamada número %d.", attempt)
	}
	return text
}

func normalizeName(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
