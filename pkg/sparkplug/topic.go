package sparkplug

import (
	"fmt"
	"strings"
)

// Sparkplug message types seen on the spBv1.0 namespace.
const (
	MessageNBirth = "NBIRTH"
	MessageDBirth = "DBIRTH"
	MessageNData  = "NDATA"
	MessageDData  = "DDATA"
	MessageNDeath = "NDEATH"
	MessageDDeath = "DDEATH"
)

// Topic is a parsed spBv1.0 topic. Device is empty for node-level messages.
type Topic struct {
	Group       string
	MessageType string
	EdgeNode    string
	Device      string
}

// IsDeviceScoped reports whether the message addresses a device rather than
// an edge node.
func (t Topic) IsDeviceScoped() bool {
	return strings.HasPrefix(t.MessageType, "D")
}

// ParseTopic splits an spBv1.0/<group>/<msgType>/<edge>[/<device>] topic.
// Topics outside the namespace return ok=false and are dropped by callers.
func ParseTopic(topic string) (Topic, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 || !strings.EqualFold(parts[0], "spbv1.0") {
		return Topic{}, false
	}
	t := Topic{
		Group:       parts[1],
		MessageType: strings.ToUpper(parts[2]),
		EdgeNode:    parts[3],
	}
	if len(parts) > 4 {
		t.Device = parts[4]
	}
	return t, true
}

// RebirthTopic is the command topic used to ask an edge node to republish
// its birth certificates.
func RebirthTopic(group, edgeNode string) string {
	return fmt.Sprintf("spBv1.0/%s/%s/command/rebirth", group, edgeNode)
}
