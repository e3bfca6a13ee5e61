// Package e2e runs retrieval end to end over a generated document folder.
package e2e

import "fmt"

// Document is one file of the generated corpus. Marker is a word that
// appears in no other document.
type Document struct {
	Name    string
	Marker  string
	Content string
}

// Corpus is a generated document folder with its queries.
type Corpus struct {
	Documents []Document
}

var topics = []struct {
	title   string
	marker  string
	content string
}{
	{"vacation", "accrual", "Employees earn vacation days through monthly accrual. Unused days carry over up to ten days."},
	{"expenses", "reimbursement", "Travel expenses need receipts. Reimbursement is paid with the next salary run."},
	{"onboarding", "buddy", "New hires get a laptop on day one. Every new hire is paired with a buddy for the first month."},
	{"security", "passphrase", "Accounts require a passphrase of at least sixteen characters and a hardware key."},
	{"remote", "coworking", "Remote staff may expense a coworking desk up to two hundred euros per month."},
	{"payroll", "payslip", "Salaries are paid on the twenty-fifth. The payslip is available in the HR portal."},
	{"parental", "adoption", "Parental leave covers birth and adoption. Both parents receive sixteen weeks."},
	{"training", "conference", "Each employee has a yearly budget for courses and one conference ticket."},
	{"hardware", "monitor", "Engineers may order a second monitor and an ergonomic chair through IT."},
	{"sickness", "certificate", "Sick leave longer than three days needs a medical certificate."},
	{"pension", "contribution", "The company matches pension contribution up to five percent of salary."},
	{"offboarding", "handover", "Leavers prepare a handover document and return all equipment on the last day."},
	{"overtime", "compensation", "Overtime is recorded weekly and settled as time off or compensation."},
	{"holidays", "bridge", "Public holidays follow the office location. A bridge day is granted when a holiday falls on Thursday."},
	{"benefits", "gym", "Staff get a gym membership subsidy and free lunch on Fridays."},
	{"privacy", "retention", "Personal data is deleted after the retention period of six years."},
}

// BuildCorpus returns one document per topic.
func BuildCorpus() *Corpus {
	docs := make([]Document, len(topics))
	for i, t := range topics {
		docs[i] = Document{
			Name:    fmt.Sprintf("%02d-%s", i, t.title),
			Marker:  t.marker,
			Content: t.content,
		}
	}
	return &Corpus{Documents: docs}
}
