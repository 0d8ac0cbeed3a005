package normalizer

import (
	"sort"

	"github.com/customeros/mailbridge/dto"
)

// SortMessages orders messages by receipt time, ties by lexical id.
func SortMessages(messages []dto.UnifiedMessage) {
	sort.SliceStable(messages, func(i, j int) bool {
		a, b := messages[i], messages[j]
		if !a.ReceivedAt.Equal(b.ReceivedAt) {
			return a.ReceivedAt.Before(b.ReceivedAt)
		}
		return a.ID < b.ID
	})
}

func BuildThread(threadID string, messages []dto.UnifiedMessage) *dto.UnifiedThread {
	SortMessages(messages)
	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	return &dto.UnifiedThread{
		ID:         threadID,
		MessageIDs: ids,
		Messages:   messages,
	}
}
