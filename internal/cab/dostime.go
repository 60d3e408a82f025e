package cab

import (
	"io/fs"
	"time"
)

// msDosTimeToTime converts an MS-DOS date and time into a time.Time.
// Cabinets carry no zone, so the result is in local time.
func msDosTimeToTime(dosDate, dosTime uint16) time.Time {
	return time.Date(
		// date bits 0-4: day of month; 5-8: month; 9-15: years since 1980
		int(dosDate>>9+1980),
		time.Month(dosDate>>5&0xf),
		int(dosDate&0x1f),

		// time bits 0-4: second/2; 5-10: minute; 11-15: hour
		int(dosTime>>11),
		int(dosTime>>5&0x3f),
		int(dosTime&0x1f*2),
		0,

		time.Local,
	)
}

// Mode maps the DOS attributes onto permission bits.
func (f *File) Mode() fs.FileMode {
	mode := fs.FileMode(0o644)
	if f.Attrs&AttrExec != 0 {
		mode |= 0o111
	}
	if f.Attrs&AttrReadOnly != 0 {
		mode &^= 0o222
	}
	return mode
}
