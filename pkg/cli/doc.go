// Package cli implements the accessctl commands.
//
// Every command that talks to the server takes -server, -as (the acting user)
// and -clinic; the CLINICACCESS_SERVER, CLINICACCESS_USER_ID and
// CLINICACCESS_CLINIC_ID variables provide defaults.
//
//	accessctl members -as 8 -clinic 1 -grants
//	accessctl user -as 8 -clinic 1 -user 9 -role RECEPTIONIST -grant financial:view
//	accessctl template -as 8 -clinic 1 -role STAFF -restore-defaults -yes
package cli
