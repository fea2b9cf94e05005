package filter

import (
	"fmt"
	"net/url"
	"strconv"

	"github.com/fentz26/flotilla/internal/models"
)

// Query parameter names shared by the HTTP server and the CLI.
const (
	ParamID           = "id"
	ParamUUID         = "uuid"
	ParamBinary       = "binary"
	ParamConfig       = "config"
	ParamHost         = "host"
	ParamState        = "state"
	ParamOffline      = "offline"
	ParamInstanceType = "instance-type"
)

// SlotFilterFromQuery decodes a slot filter. "uuid" values are id prefixes.
func SlotFilterFromQuery(q url.Values) (SlotFilter, error) {
	f := SlotFilter{
		IDs:        q[ParamID],
		IDPrefixes: q[ParamUUID],
		Binary:     q[ParamBinary],
		Config:     q[ParamConfig],
		Host:       q[ParamHost],
	}
	for _, s := range q[ParamState] {
		state, ok := models.ParseSlotState(s)
		if !ok {
			return SlotFilter{}, fmt.Errorf("%w: state %q", ErrInvalidPattern, s)
		}
		f.States = append(f.States, state)
	}
	if v := q.Get(ParamOffline); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return SlotFilter{}, fmt.Errorf("%w: offline %q", ErrInvalidPattern, v)
		}
		f.IncludeOffline = b
	}
	return f, nil
}

// Query encodes the filter.
func (f SlotFilter) Query() url.Values {
	q := url.Values{}
	for _, v := range f.IDs {
		q.Add(ParamID, v)
	}
	for _, v := range f.IDPrefixes {
		q.Add(ParamUUID, v)
	}
	for _, v := range f.Binary {
		q.Add(ParamBinary, v)
	}
	for _, v := range f.Config {
		q.Add(ParamConfig, v)
	}
	for _, v := range f.Host {
		q.Add(ParamHost, v)
	}
	for _, v := range f.States {
		q.Add(ParamState, string(v))
	}
	if f.IncludeOffline {
		q.Set(ParamOffline, "true")
	}
	return q
}

// AgentFilterFromQuery decodes an agent filter.
func AgentFilterFromQuery(q url.Values) AgentFilter {
	f := AgentFilter{
		IDs:           q[ParamID],
		IDPrefixes:    q[ParamUUID],
		Host:          q[ParamHost],
		InstanceTypes: q[ParamInstanceType],
	}
	for _, s := range q[ParamState] {
		f.States = append(f.States, models.AgentState(s))
	}
	return f
}

// Query encodes the filter.
func (f AgentFilter) Query() url.Values {
	q := url.Values{}
	for _, v := range f.IDs {
		q.Add(ParamID, v)
	}
	for _, v := range f.IDPrefixes {
		q.Add(ParamUUID, v)
	}
	for _, v := range f.States {
		q.Add(ParamState, string(v))
	}
	for _, v := range f.Host {
		q.Add(ParamHost, v)
	}
	for _, v := range f.InstanceTypes {
		q.Add(ParamInstanceType, v)
	}
	return q
}
