// Package snapverify provides a high-level library API for backup snapshot
// verification.
//
// It wraps the internal backup, console, guest, advisor, report and history
// packages into one Client configured from a config.Config.
//
// # Concurrency Safety
//
//   - Verify and VerifyAll are safe to call concurrently on one Client. Each
//     run creates its own restore VM, console session and action trail.
//
//   - Every run destroys its VM before returning, including when ctx is
//     canceled. Close the Client only after all runs have returned.
//
// # Usage
//
//	cfg, _ := config.Load("snapverify.yaml")
//	client, err := snapverify.New(ctx, cfg, snapverify.Options{Log: log})
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	v := client.Verify(ctx, "a_0123456789ab", []model.Step{
//	    model.CommandStep("Get-Service | Where-Object Status -eq Running"),
//	    model.InstructionStep("Open Event Viewer and check for critical errors"),
//	})
//	fmt.Println(v.Result.Success, v.Reports)
package snapverify
