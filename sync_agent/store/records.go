package store

import (
	"encoding/base64"
	"net/http"
	"sort"
)

// attachPreview derives the ephemeral preview handle from the photo blob.
func attachPreview(p *Photo) {
	if len(p.Blob) == 0 {
		p.Preview = ""
		return
	}
	ct := p.ContentType
	if ct == "" {
		ct = http.DetectContentType(p.Blob)
	}
	p.Preview = "data:" + ct + ";base64," + base64.StdEncoding.EncodeToString(p.Blob)
}

func sortMissions(ms []*Mission) {
	sort.SliceStable(ms, func(i, j int) bool {
		if ms[i].CreatedAt.Equal(ms[j].CreatedAt) {
			return ms[i].ID < ms[j].ID
		}
		return ms[i].CreatedAt.After(ms[j].CreatedAt)
	})
}

func sortNotifications(ns []*Notification) {
	sort.SliceStable(ns, func(i, j int) bool {
		if ns[i].CreatedAt.Equal(ns[j].CreatedAt) {
			return ns[i].ID < ns[j].ID
		}
		return ns[i].CreatedAt.After(ns[j].CreatedAt)
	})
}

func sortPhotos(ps []*Photo) {
	sort.SliceStable(ps, func(i, j int) bool {
		if ps[i].Type != ps[j].Type {
			return ps[i].Type == PhotoBefore
		}
		return ps[i].Index < ps[j].Index
	})
}

func sortDeadLetters(ds []*DeadLetter) {
	sort.SliceStable(ds, func(i, j int) bool {
		return ds[i].AbandonedAt.Before(ds[j].AbandonedAt)
	})
}

func defaultSettings() *Settings {
	return &Settings{ID: SettingsID}
}

func copyMission(m *Mission) *Mission {
	c := *m
	if m.Features != nil {
		c.Features = make(map[string]bool, len(m.Features))
		for k, v := range m.Features {
			c.Features[k] = v
		}
	}
	return &c
}

func copyPhoto(p *Photo) *Photo {
	c := *p
	if p.Blob != nil {
		c.Blob = append([]byte(nil), p.Blob...)
	}
	return &c
}

func copyEntry(e *QueueEntry) *QueueEntry {
	c := *e
	if e.Data != nil {
		c.Data = append([]byte(nil), e.Data...)
	}
	return &c
}
