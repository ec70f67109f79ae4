package domain

import "strings"

// Clients publish to /app destinations; the broker delivers to the /topic
// subscription of the same name.
const (
	AppPrefix   = "/app/"
	TopicPrefix = "/topic/"

	callRoomPath = "call-room/"
	ringPath     = "call/"
)

func CallRoomDestination(id CallID) string {
	return AppPrefix + callRoomPath + id.String()
}

func CallRoomTopic(id CallID) string {
	return TopicPrefix + callRoomPath + id.String()
}

func RingDestination(id ParticipantID) string {
	return AppPrefix + ringPath + id.String()
}

func RingTopic(id ParticipantID) string {
	return TopicPrefix + ringPath + id.String()
}

// TopicForDestination maps an /app destination onto its topic. Anything else
// is delivered as is.
func TopicForDestination(destination string) string {
	if rest, ok := strings.CutPrefix(destination, AppPrefix); ok {
		return TopicPrefix + rest
	}
	return destination
}

// CallIDFromTopic extracts the call id from a call-room topic.
func CallIDFromTopic(topic string) (CallID, bool) {
	rest, ok := strings.CutPrefix(topic, TopicPrefix+callRoomPath)
	if !ok || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return CallID(rest), true
}
