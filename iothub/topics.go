package iothub

import (
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	twinResponseFilter = "$iothub/twin/res/#"
	desiredFilter      = "$iothub/twin/PATCH/properties/desired/#"
	methodFilter       = "$iothub/methods/POST/#"

	twinResponsePrefix = "$iothub/twin/res/"
	desiredPrefix      = "$iothub/twin/PATCH/properties/desired/"
	methodPrefix       = "$iothub/methods/POST/"
)

func twinGetTopic(rid string) string {
	return "$iothub/twin/GET/?$rid=" + rid
}

func reportedPatchTopic(rid string) string {
	return "$iothub/twin/PATCH/properties/reported/?$rid=" + rid
}

func methodResponseTopic(status int, rid string) string {
	return "$iothub/methods/res/" + strconv.Itoa(status) + "/?$rid=" + rid
}

// telemetryTopic appends the system properties IoT Hub reads from the topic.
// Keys stay literal; the service rejects an escaped '$'.
func telemetryTopic(deviceID string, created time.Time) string {
	var b strings.Builder
	b.WriteString("devices/")
	b.WriteString(deviceID)
	b.WriteString("/messages/events/")
	b.WriteString("$.ct=")
	b.WriteString(url.QueryEscape("application/json"))
	b.WriteString("&$.ce=utf-8")
	if !created.IsZero() {
		b.WriteString("&iothub-creation-time-utc=")
		b.WriteString(url.QueryEscape(created.UTC().Format(time.RFC3339Nano)))
	}
	return b.String()
}

// topicQuery returns the query values after the last '?' of a topic.
func topicQuery(topic string) url.Values {
	i := strings.LastIndexByte(topic, '?')
	if i < 0 {
		return url.Values{}
	}
	q, err := url.ParseQuery(topic[i+1:])
	if err != nil {
		return url.Values{}
	}
	return q
}

// parseTwinResponse splits "$iothub/twin/res/{status}/?$rid={rid}".
func parseTwinResponse(topic string) (status int, rid string, ok bool) {
	if !strings.HasPrefix(topic, twinResponsePrefix) {
		return 0, "", false
	}
	rest := topic[len(twinResponsePrefix):]
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return 0, "", false
	}
	status, err := strconv.Atoi(rest[:slash])
	if err != nil {
		return 0, "", false
	}
	rid = topicQuery(topic).Get("$rid")
	return status, rid, rid != ""
}

// parseMethodRequest splits "$iothub/methods/POST/{name}/?$rid={rid}".
func parseMethodRequest(topic string) (name, rid string, ok bool) {
	if !strings.HasPrefix(topic, methodPrefix) {
		return "", "", false
	}
	rest := topic[len(methodPrefix):]
	slash := strings.IndexByte(rest, '/')
	if slash <= 0 {
		return "", "", false
	}
	name = rest[:slash]
	rid = topicQuery(topic).Get("$rid")
	return name, rid, rid != ""
}
