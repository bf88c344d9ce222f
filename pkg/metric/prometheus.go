// Copyright 2022 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package metric

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// Prometheus text exposition format, documented at:
// https://prometheus.io/docs/instrumenting/exposition_formats/

// prometheusName converts a metric name such as "/rtmutex/slow_locks" to a
// valid Prometheus metric name.
func prometheusName(prefix, name string) string {
	n := strings.ReplaceAll(strings.TrimPrefix(name, "/"), "/", "_")
	if prefix == "" {
		return n
	}
	return prefix + "_" + n
}

// writeHeader writes the metric comment header to the given writer.
func writeHeader(w io.Writer, name, help, metricType string) error {
	if help != "" {
		// Prometheus metric description escape rules: Only backslashes and line breaks need escaping.
		help = strings.ReplaceAll(strings.ReplaceAll(help, "\\", "\\\\"), "\n", "\\n")
		if _, err := fmt.Fprintf(w, "# HELP %s %s\n", name, help); err != nil {
			return err
		}
	}
	_, err := fmt.Fprintf(w, "# TYPE %s %s\n", name, metricType)
	return err
}

// writeLabels writes labels in sorted key order, followed by extra, which is
// always written last.
func writeLabels(w io.Writer, labels map[string]string, extra ...string) error {
	if len(labels) == 0 && len(extra) == 0 {
		return nil
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]string, 0, len(keys)+len(extra)/2)
	for _, k := range keys {
		pairs = append(pairs, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, fmt.Sprintf("%s=%q", extra[i], extra[i+1]))
	}
	_, err := fmt.Fprintf(w, "{%s}", strings.Join(pairs, ","))
	return err
}

func (m *Uint64Metric) writePrometheus(w io.Writer, prefix string) error {
	name := prometheusName(prefix, m.name)
	if err := writeHeader(w, name, m.description, "counter"); err != nil {
		return err
	}
	for key := range m.fields {
		if _, err := io.WriteString(w, name); err != nil {
			return err
		}
		if err := writeLabels(w, m.fieldMapper.labels(key)); err != nil {
			return err
		}
		if _, err := fmt.Fprintf(w, " %d\n", m.fields[key].Load()); err != nil {
			return err
		}
	}
	return nil
}

func (d *DistributionMetric) writePrometheus(w io.Writer, prefix string) error {
	name := prometheusName(prefix, d.name)
	if err := writeHeader(w, name, d.description, "histogram"); err != nil {
		return err
	}
	n := d.bucketer.NumFiniteBuckets()
	for key, buckets := range d.samples {
		labels := d.fieldsToKey.labels(key)
		var cumulative uint64
		for i := range buckets {
			// Prometheus distribution bucket counts are cumulative.
			cumulative += buckets[i].Load()
			le := "+Inf"
			if i <= n {
				le = fmt.Sprintf("%d", d.bucketer.LowerBound(i))
			}
			if _, err := io.WriteString(w, name+"_bucket"); err != nil {
				return err
			}
			if err := writeLabels(w, labels, "le", le); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, " %d\n", cumulative); err != nil {
				return err
			}
		}
		for _, line := range []struct {
			suffix string
			value  int64
		}{
			{"_sum", d.sums[key].Load()},
			{"_count", int64(cumulative)},
		} {
			if _, err := io.WriteString(w, name+line.suffix); err != nil {
				return err
			}
			if err := writeLabels(w, labels); err != nil {
				return err
			}
			if _, err := fmt.Fprintf(w, " %d\n", line.value); err != nil {
				return err
			}
		}
	}
	return nil
}

// WritePrometheus writes all registered metrics to w in the Prometheus text
// format, in name order. Every metric name is prefixed with prefix, if
// non-empty.
func WritePrometheus(w io.Writer, prefix string) error {
	allMetrics.mu.Lock()
	defer allMetrics.mu.Unlock()

	bw := bufio.NewWriter(w)
	for _, name := range allMetrics.names() {
		var err error
		if m, ok := allMetrics.uint64Metrics[name]; ok {
			err = m.writePrometheus(bw, prefix)
		} else {
			err = allMetrics.distributions[name].writePrometheus(bw, prefix)
		}
		if err != nil {
			return err
		}
	}
	return bw.Flush()
}
