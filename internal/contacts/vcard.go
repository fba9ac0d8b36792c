package contacts

import (
	"fmt"
	"io"

	"github.com/emersion/go-vcard"
)

// ExportVCards writes the contacts as a vCard 4.0 stream, the format
// every address book application imports. The Parley user id rides in
// the UID field so a later import can re-link the contact.
func ExportVCards(w io.Writer, contacts []Contact) error {
	enc := vcard.NewEncoder(w)
	for _, c := range contacts {
		card := make(vcard.Card)
		card.SetValue(vcard.FieldFormattedName, c.Name)
		card.SetValue(vcard.FieldUID, c.ID)
		if c.Phone != "" {
			card.SetValue(vcard.FieldTelephone, c.Phone)
		}
		if c.AvatarURL != "" {
			card.SetValue(vcard.FieldPhoto, c.AvatarURL)
		}
		vcard.ToV4(card)
		if err := enc.Encode(card); err != nil {
			return fmt.Errorf("encode vcard for %s: %w", c.ID, err)
		}
	}
	return nil
}

// ImportVCards reads a vCard stream into contact records. Cards
// without a formatted name are skipped rather than failing the whole
// import.
func ImportVCards(r io.Reader) ([]Contact, error) {
	dec := vcard.NewDecoder(r)
	var out []Contact
	for {
		card, err := dec.Decode()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode vcard: %w", err)
		}

		name := card.Value(vcard.FieldFormattedName)
		if name == "" {
			continue
		}
		out = append(out, Contact{
			ID:    card.Value(vcard.FieldUID),
			Name:  name,
			Phone: card.Value(vcard.FieldTelephone),
		})
	}
	return out, nil
}
