package importer

import "fmt"

// Stage is a human readable progress label with its localized variant.
type Stage struct {
	Text      string
	Localized string
}

// Catalog holds the English text and one localized variant for each
// progress and error message.
type Catalog struct {
	Language string
	messages map[string][2]string
}

const (
	msgInitializing    = "initializing"
	msgFetchingPatient = "fetching-patient"
	msgFetchingType    = "fetching-type"
	msgCompleted       = "completed"
	msgFailed          = "failed"
	msgPageFailed      = "page-failed"
	msgPatientFailed   = "patient-failed"
	msgCancelled       = "cancelled"
	msgNoSession       = "no-session"
)

// DutchCatalog pairs English messages with Dutch ones.
var DutchCatalog = &Catalog{
	Language: "nl",
	messages: map[string][2]string{
		msgInitializing:    {"Initializing import", "Import voorbereiden"},
		msgFetchingPatient: {"Fetching patient record", "Patiëntgegevens ophalen"},
		msgFetchingType:    {"Fetching %s (page %d)", "%s ophalen (pagina %d)"},
		msgCompleted:       {"Import completed", "Import voltooid"},
		msgFailed:          {"Import failed", "Import mislukt"},
		msgPageFailed:      {"Failed to fetch %s (page %d)", "Ophalen van %s mislukt (pagina %d)"},
		msgPatientFailed:   {"Failed to fetch patient record", "Ophalen van patiëntgegevens mislukt"},
		msgCancelled:       {"Import cancelled", "Import geannuleerd"},
		msgNoSession:       {"No active session", "Geen actieve sessie"},
	},
}

func (c *Catalog) stage(key string, args ...any) Stage {
	m, ok := c.messages[key]
	if !ok {
		return Stage{Text: key, Localized: key}
	}
	return Stage{
		Text:      fmt.Sprintf(m[0], args...),
		Localized: fmt.Sprintf(m[1], args...),
	}
}
