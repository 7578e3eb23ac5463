package emit

// unitTemplate renders one translation unit's worth of generated C: per-
// variant accessor functions, probe bodies, address/location arrays, a
// shared dispatch trampoline, registration/deregistration, timer probes,
// and a single shared fault handler.
const unitTemplate = `/* generated by kstapd; do not edit */

static char *last_error;
static atomic_t busy_count[NR_CPUS];
static int session_state = STAPD_UNLOADED;

static void stapd_fault_handler(struct pt_regs *regs)
{
	last_error = "pointer dereference fault";
	session_state = STAPD_ERROR;
}

{{range .Variants}}
/* variant {{.ID}}: {{.ProbeKind}}, {{len .Addresses}} site(s) */
{{.DeclsC}}
static void probe_{{.ID}}(struct stapd_context *c)
{
{{.BodyC}}}

static const char *stapd_locations_{{.ID}}[] = {
{{range .Locations}}	"{{.}}",
{{end}}};

static struct {{.ProbeKind}} stapd_probes_{{.ID}}[{{len .Addresses}}] = {
{{range .Addresses}}	{ .addr = (void *){{.}} },
{{end}}};

static int stapd_dispatch_{{.ID}}(struct {{.ProbeKind}} *p, struct pt_regs *regs)
{
	long idx = p - stapd_probes_{{.ID}};
	const char *location = stapd_locations_{{.ID}}[idx];

	if (session_state != STAPD_RUNNING) {
		return 0;
	}
	if (atomic_inc_return(&busy_count[smp_processor_id()]) != 1) {
		atomic_dec(&busy_count[smp_processor_id()]);
		session_state = STAPD_ERROR;
		return 0;
	}

	struct stapd_context __c = {0};
	probe_{{.ID}}(&__c);

	if (last_error != NULL) {
		session_state = STAPD_ERROR;
	}
	atomic_dec(&busy_count[smp_processor_id()]);
	return 0;
}

static int stapd_register_{{.ID}}(void)
{
	int i, rc, failed;
	for (i = 0; i < {{len .Addresses}}; i++) {
		rc = stapd_register_probe(&stapd_probes_{{.ID}}[i]);
		if (rc) {
			failed = i;
			while (--i >= 0) {
				stapd_unregister_probe(&stapd_probes_{{.ID}}[i]);
			}
			printk(KERN_ERR "kstapd: failed to register at %s\n", stapd_locations_{{.ID}}[failed]);
			return rc;
		}
	}
	return 0;
}

static void stapd_unregister_{{.ID}}(void)
{
	int i;
	for (i = 0; i < {{len .Addresses}}; i++) {
		stapd_unregister_probe(&stapd_probes_{{.ID}}[i]);
	}
}
{{end}}

{{range .Timers}}
/* timer variant {{.ID}}: interval {{.IntervalJif}} jiffies, randomize {{.RandomizeJif}} */
static struct timer_list stapd_timer_{{.ID}};

static void probe_timer_{{.ID}}(struct stapd_context *c)
{
{{.BodyC}}}

static void stapd_timer_fn_{{.ID}}(struct timer_list *t)
{
	unsigned long next = {{.IntervalJif}};
	if (session_state == STAPD_RUNNING) {
		if (atomic_inc_return(&busy_count[smp_processor_id()]) != 1) {
			session_state = STAPD_ERROR;
		} else {
			struct stapd_context __c = {0};
			probe_timer_{{.ID}}(&__c);
			if (last_error != NULL) {
				session_state = STAPD_ERROR;
			}
		}
		atomic_dec(&busy_count[smp_processor_id()]);
	}
	if ({{.RandomizeJif}} > 0) {
		next += (get_random_u32() % (2 * {{.RandomizeJif}} + 1)) - {{.RandomizeJif}};
	}
	mod_timer(&stapd_timer_{{.ID}}, jiffies + next);
}
{{end}}
`
