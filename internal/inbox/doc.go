// Package inbox delivers HIAMP messages to local workers and reads them back.
// Share-intent messages also have their fenced file blocks saved as
// attachments under the sending owner.
package inbox
