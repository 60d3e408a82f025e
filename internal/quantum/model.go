package quantum

const (
	maxCumFreq  = 3800
	freqStep    = 8
	sortPeriod  = 50
	firstShifts = 4
)

type modelSym struct {
	sym     uint16
	cumfreq uint16
}

// A model is an adaptive frequency table. syms holds entries symbols in
// decreasing order of cumulative frequency, plus a final entry whose
// cumulative frequency is always zero.
type model struct {
	shiftsLeft int
	entries    int
	syms       []modelSym
}

func newModel(start, n int) model {
	m := model{
		shiftsLeft: firstShifts,
		entries:    n,
		syms:       make([]modelSym, n+1),
	}
	for i := range m.syms {
		m.syms[i] = modelSym{sym: uint16(start + i), cumfreq: uint16(n - i)}
	}
	return m
}

// bump raises the frequency of entry k and rescales the model if the total
// has grown too large.
func (m *model) bump(k int) {
	for i := 0; i <= k; i++ {
		m.syms[i].cumfreq += freqStep
	}
	if m.syms[0].cumfreq > maxCumFreq {
		m.update()
	}
}

func (m *model) update() {
	m.shiftsLeft--
	if m.shiftsLeft != 0 {
		for i := m.entries - 1; i >= 0; i-- {
			// the zero entry at the end stops this running below 1
			m.syms[i].cumfreq >>= 1
			if m.syms[i].cumfreq <= m.syms[i+1].cumfreq {
				m.syms[i].cumfreq = m.syms[i+1].cumfreq + 1
			}
		}
		return
	}

	m.shiftsLeft = sortPeriod
	for i := range m.entries {
		// cumulative to halved plain frequency, never reaching zero
		m.syms[i].cumfreq = (m.syms[i].cumfreq - m.syms[i+1].cumfreq + 1) >> 1
	}

	// Selection sort, most frequent first. A stable sort would order
	// equal frequencies differently from the encoder.
	for i := 0; i < m.entries-1; i++ {
		for j := i + 1; j < m.entries; j++ {
			if m.syms[i].cumfreq < m.syms[j].cumfreq {
				m.syms[i], m.syms[j] = m.syms[j], m.syms[i]
			}
		}
	}

	for i := m.entries - 1; i >= 0; i-- {
		m.syms[i].cumfreq += m.syms[i+1].cumfreq
	}
}
