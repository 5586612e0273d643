package metrics

import (
	"log"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/you/holochat-metrics/internal/core"
)

// Snapshot file names inside the snapshot directory.
const (
	MetricsFile = "backup_metrics.json"
	FiltersFile = "backup_user_filters.json"
)

// sampleFamily is the persisted form of one metric family.
type sampleFamily struct {
	Name   string   `json:"name"`
	Help   string   `json:"help"`
	Type   string   `json:"type"`
	Values []sample `json:"values"`
}

type sample struct {
	Labels map[string]string `json:"labels"`
	Value  float64           `json:"value"`
}

// Snapshot writes every holochat_* sample and the dedup state to dir. Each
// file is replaced atomically.
func (s *Store) Snapshot(dir string) error {
	families, err := s.gather()
	if err != nil {
		return err
	}
	metricsJSON, err := json.Marshal(families)
	if err != nil {
		return errors.Wrap(err, "metrics: encode samples")
	}
	filtersJSON, err := json.Marshal(s.filters)
	if err != nil {
		return errors.Wrap(err, "metrics: encode filters")
	}
	if err := atomicWrite(filepath.Join(dir, MetricsFile), metricsJSON, 0o644); err != nil {
		return errors.Wrap(err, "metrics: write samples")
	}
	if err := atomicWrite(filepath.Join(dir, FiltersFile), filtersJSON, 0o644); err != nil {
		return errors.Wrap(err, "metrics: write filters")
	}
	log.Printf("metrics: snapshot written to %s (%d families)", dir, len(families))
	return nil
}

func (s *Store) gather() ([]sampleFamily, error) {
	mfs, err := s.registry.Gather()
	if err != nil {
		return nil, errors.Wrap(err, "metrics: gather")
	}
	out := make([]sampleFamily, 0, len(mfs))
	for _, mf := range mfs {
		if _, ok := s.byName[mf.GetName()]; !ok {
			continue
		}
		fam := sampleFamily{
			Name:   mf.GetName(),
			Help:   mf.GetHelp(),
			Type:   typeName(mf.GetType()),
			Values: make([]sample, 0, len(mf.GetMetric())),
		}
		for _, m := range mf.GetMetric() {
			labels := make(map[string]string, len(m.GetLabel()))
			for _, lp := range m.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			var v float64
			switch {
			case m.Counter != nil:
				v = m.GetCounter().GetValue()
			case m.Gauge != nil:
				v = m.GetGauge().GetValue()
			}
			fam.Values = append(fam.Values, sample{Labels: labels, Value: v})
		}
		out = append(out, fam)
	}
	return out, nil
}

func typeName(t dto.MetricType) string {
	switch t {
	case dto.MetricType_COUNTER:
		return "counter"
	case dto.MetricType_GAUGE:
		return "gauge"
	}
	return "untyped"
}

// Restore repopulates the series and dedup state of the given broadcasts
// from the last snapshot in dir. Missing files are not an error.
func (s *Store) Restore(dir string, broadcasts []core.Broadcast) error {
	ids := make([]string, 0, len(broadcasts))
	wanted := make(map[string]struct{}, len(broadcasts))
	for _, b := range broadcasts {
		ids = append(ids, b.VideoID)
		wanted[b.VideoID] = struct{}{}
	}

	raw, err := os.ReadFile(filepath.Join(dir, MetricsFile))
	switch {
	case os.IsNotExist(err):
		log.Printf("metrics: no snapshot in %s", dir)
	case err != nil:
		return errors.Wrap(err, "metrics: read samples")
	default:
		var families []sampleFamily
		if err := json.Unmarshal(raw, &families); err != nil {
			return errors.Wrap(err, "metrics: decode samples")
		}
		restored := 0
		for _, fam := range families {
			restored += s.restoreFamily(fam, wanted)
		}
		log.Printf("metrics: restored %d samples for %d broadcasts", restored, len(ids))
	}

	raw, err = os.ReadFile(filepath.Join(dir, FiltersFile))
	switch {
	case os.IsNotExist(err):
		return nil
	case err != nil:
		return errors.Wrap(err, "metrics: read filters")
	}
	if err := s.filters.Restore(raw, ids); err != nil {
		return errors.Wrap(err, "metrics: restore filters")
	}
	return nil
}

func (s *Store) restoreFamily(fam sampleFamily, wanted map[string]struct{}) int {
	f, ok := s.byName[fam.Name]
	if !ok {
		return 0
	}
	n := 0
	for _, v := range fam.Values {
		videoID := v.Labels["videoId"]
		if _, ok := wanted[videoID]; !ok || videoID == "" {
			continue
		}
		labels := make(prometheus.Labels, len(f.labelNames))
		for _, name := range f.labelNames {
			if value, ok := v.Labels[name]; ok {
				labels[name] = value
			}
		}
		if f.counter != nil {
			c, err := f.counter.GetMetricWith(labels)
			if err != nil || v.Value < 0 {
				continue
			}
			c.Add(v.Value)
		} else {
			g, err := f.gauge.GetMetricWith(labels)
			if err != nil {
				continue
			}
			g.Set(v.Value)
		}
		s.track(videoID, labels)
		switch f {
		case s.maxViewers:
			s.mu.Lock()
			if v.Value > s.maxViewing[videoID] {
				s.maxViewing[videoID] = v.Value
			}
			s.mu.Unlock()
		case s.videoInfo:
			s.mu.Lock()
			s.info[videoID] = labels
			s.mu.Unlock()
		}
		n++
	}
	return n
}

func atomicWrite(path string, data []byte, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, mode); err != nil {
		return err
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}
