// Package audit records administrative and session events.
//
// Promotions, demotions, permission changes, sign-in/sign-out and repairs made
// by the consistency sweep are each written as an Event. The DBLogger keeps
// them in the audit_events table and can search them back; the SlogLogger
// mirrors them into the application log.
//
//	logger := audit.NewMultiLogger(dbLogger, audit.NewSlogLogger(appLogger))
//	_ = logger.Log(ctx, audit.NewEvent(ctx, audit.EventTypeAdminPromote, audit.EventStatusSuccess))
//
// Events past their retention window can be moved to S3 with an Archiver:
//
//	client, _ := audit.NewS3Client(ctx, audit.S3Config{Bucket: "hearth-audit", Region: "us-east-1"})
//	archiver, _ := audit.NewArchiver(db, client, "hearth-audit")
//	result, err := archiver.Archive(ctx, 90*24*time.Hour)
package audit
