package daemon

import (
	"sync"
	"testing"
	"time"
)

func TestReadingRecorder_GetRecordsIn(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	ago := func(ms ...int) []time.Time {
		var ret []time.Time
		for _, m := range ms {
			ret = append(ret, now.Add(-time.Duration(m)*time.Millisecond))
		}
		return ret
	}

	type fields struct {
		MaxRecordCount int
		Records        []time.Time
	}
	type args struct {
		last time.Duration
	}
	tests := []struct {
		name   string
		fields fields
		args   args
		want   int
	}{
		{
			name: "test continuous records",
			fields: fields{
				MaxRecordCount: 10,
				Records:        ago(4000, 3200, 2400, 1600, 800),
			},
			args: args{last: time.Minute},
			want: 5,
		},
		{
			name: "test noncontinuous records",
			fields: fields{
				MaxRecordCount: 10,
				Records:        ago(9000, 8200, 3200, 2400, 1600, 800),
			},
			args: args{last: time.Minute},
			want: 4,
		},
		{
			name: "test records outside window",
			fields: fields{
				MaxRecordCount: 10,
				Records:        ago(4000, 3200, 2400, 1600, 800),
			},
			args: args{last: 2 * time.Second},
			want: 2,
		},
		{
			name: "test stalled stream",
			fields: fields{
				MaxRecordCount: 10,
				Records:        ago(4000, 3200, 2400),
			},
			args: args{last: time.Minute},
			want: 0,
		},
		{
			name: "test empty",
			fields: fields{
				MaxRecordCount: 10,
			},
			args: args{last: time.Minute},
			want: 0,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &ReadingRecorder{
				MaxRecordCount: tt.fields.MaxRecordCount,
				MaxGap:         2 * time.Second,
				records:        tt.fields.Records,
				mu:             &sync.Mutex{},
			}
			if got := r.GetRecordsIn(now, tt.args.last); got != tt.want {
				t.Errorf("GetRecordsIn() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestReadingRecorder_AddRecord(t *testing.T) {
	r := NewReadingRecorder(3)
	base := time.Now()
	for i := 0; i < 5; i++ {
		r.AddRecord(base.Add(time.Duration(i) * time.Second))
	}

	if got := r.GetLastRecord(); !got.Equal(base.Add(4 * time.Second)) {
		t.Fatalf("GetLastRecord() = %v, want %v", got, base.Add(4*time.Second))
	}
	if got := r.GetRecordsIn(base.Add(4*time.Second), time.Minute); got != 3 {
		t.Fatalf("GetRecordsIn() = %d, want 3 (capped by MaxRecordCount)", got)
	}

	r.ClearRecords()
	if got := r.GetLastRecord(); !got.IsZero() {
		t.Fatalf("GetLastRecord() after clear = %v, want zero", got)
	}
}
