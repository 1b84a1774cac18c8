package media

import (
	"fmt"
	"strings"

	"github.com/pion/ice/v4"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/rtcpeer/internal/util"
)

// DescribeSDP summarizes a description for logs, e.g.
// "offer 1a2b3c4d [audio video]".
func DescribeSDP(desc webrtc.SessionDescription) string {
	id := util.DescriptionID(desc.SDP)

	var parsed sdp.SessionDescription
	if err := parsed.Unmarshal([]byte(desc.SDP)); err != nil {
		return fmt.Sprintf("%s %s", desc.Type, id)
	}

	kinds := make([]string, 0, len(parsed.MediaDescriptions))
	for _, m := range parsed.MediaDescriptions {
		kinds = append(kinds, m.MediaName.Media)
	}
	return fmt.Sprintf("%s %s [%s]", desc.Type, id, strings.Join(kinds, " "))
}

// DescribeCandidate summarizes an ICE candidate line, e.g.
// "host 192.168.1.2:50000/udp4". Unparseable lines are returned as is.
func DescribeCandidate(line string) string {
	c, err := ice.UnmarshalCandidate(strings.TrimPrefix(line, "candidate:"))
	if err != nil {
		return line
	}
	return fmt.Sprintf("%s %s:%d/%s", c.Type(), c.Address(), c.Port(), c.NetworkType())
}
